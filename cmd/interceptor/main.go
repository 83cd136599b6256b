package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/PatchLens/go-intercept-lens/intercept"
	"github.com/PatchLens/go-intercept-lens/intercept/cmd"
	"github.com/PatchLens/go-intercept-lens/intercept/sampleapi"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	config, err := cmd.ParseFlags(nil)
	if err != nil {
		log.Fatalf("%s%v", intercept.ErrorLogPrefix, err)
	}
	scripts, err := intercept.LoadCallScripts(config.Scripts)
	if err != nil {
		log.Fatalf("%s%v", intercept.ErrorLogPrefix, err)
	}

	d, _, err := sampleapi.New(config)
	if err != nil {
		log.Fatalf("%s%v", intercept.ErrorLogPrefix, err)
	}
	var mismatches int
	for _, script := range scripts {
		result, err := intercept.Replay(d, script)
		if err != nil {
			log.Fatalf("%s%v", intercept.ErrorLogPrefix, err)
		}
		mismatches += len(result.Mismatches)
		log.Printf("%s: %d calls replayed, %d suppressed, %d mismatched",
			script.Name, result.Calls, result.Suppressed, len(result.Mismatches))
	}
	if session, _, ok := d.RecordingSession(); ok {
		log.Printf("recording session: %s", session)
	}
	d.Shutdown()
	if mismatches > 0 {
		log.Fatalf("%s%d returned values did not match expectations", intercept.ErrorLogPrefix, mismatches)
	}
}
