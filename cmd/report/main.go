package main

import (
	"flag"
	"log"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	statsJsonFile := flag.String("json", "callstats.json", "Call statistics file written by the stats filter-set")
	statsChartFile := flag.String("charts", "callstats.png", "File to output the chart image, .png, .jpg or .svg")
	flag.Parse()

	report, err := intercept.LoadStatsReport(*statsJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to load call statistics: %v", intercept.ErrorLogPrefix, err)
	}
	if err := report.WriteChart(*statsChartFile); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", intercept.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *statsChartFile)
}
