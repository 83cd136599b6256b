package intercept

import (
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultSegmentCalls = 256
	defaultRecordValue  = 1024
	segmentKeyPrefix    = "seg/"
	sessionInfoKey      = "session"
)

// CallRecord is one recorded call.
type CallRecord struct {
	Seq      uint64   `msgpack:"q"`
	Thread   int64    `msgpack:"t"`
	Context  string   `msgpack:"c,omitempty"`
	Function string   `msgpack:"f"`
	Args     []string `msgpack:"a"`
	Return   string   `msgpack:"r,omitempty"`
	// Raw holds the captured bytes of each argument.
	Raw  [][]byte `msgpack:"b"`
	Time int64    `msgpack:"ts"`
}

// SessionInfo describes a recording session.
type SessionInfo struct {
	ID       string    `msgpack:"id"`
	Started  time.Time `msgpack:"start"`
	Finished time.Time `msgpack:"end"`
	Calls    uint64    `msgpack:"calls"`
	Segments int       `msgpack:"segments"`
}

type recorder struct {
	d           *Dispatcher
	config      *Config
	codec       byte
	segmentSize int
	maxValue    int

	mu       sync.Mutex
	store    Storage
	session  Storage
	info     SessionInfo
	pending  []CallRecord
	segments int
	seq      uint64
}

func registerRecord(d *Dispatcher, config *Config) error {
	rec := &recorder{
		d:           d,
		config:      config,
		codec:       codecZstd,
		segmentSize: defaultSegmentCalls,
		maxValue:    defaultRecordValue,
	}
	d.recorder = rec
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name:    RecordFilterSet,
		Help:    "records every call to a compressed session store",
		Init:    rec.init,
		Done:    rec.done,
		Command: rec.command,
	})
	if err != nil {
		return err
	}
	if _, err = r.RegisterFilter(fs, RecordFilterSet, rec.filter); err != nil {
		return err
	}
	r.RegisterFilterDependency(InvokeFilterSet, RecordFilterSet)
	return nil
}

func (rec *recorder) command(fs *FilterSet, name, value string) error {
	switch name {
	case "storage":
		rec.config.StoragePath = value
	case "compression":
		codec, err := parseCodec(value)
		if err != nil {
			return err
		}
		rec.codec = codec
	case "segment":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("segment must be a positive count: %q", value)
		}
		rec.segmentSize = n
	case "maxvalue":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("maxvalue: %w", err)
		}
		rec.maxValue = n
	default:
		return ErrUnknownCommand
	}
	return nil
}

func (rec *recorder) init(fs *FilterSet) error {
	var err error
	if rec.config.StoragePath == "" {
		rec.store = NewMemStorage()
	} else if rec.store, err = NewBadgerStorage(rec.config.StoragePath, max(rec.config.CacheMB, 64), rec.config.Debug); err != nil {
		return err
	}
	rec.info = SessionInfo{ID: uuid.NewString(), Started: time.Now()}
	rec.session = SessionStorage(rec.store, rec.info.ID)
	log.Printf("recording session %s", rec.info.ID)
	return nil
}

func (rec *recorder) done(fs *FilterSet) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.session == nil {
		return
	}
	if err := rec.flush(); err != nil {
		log.Printf("%s%v", ErrorLogPrefix, err)
	}
	rec.info.Finished = time.Now()
	if err := rec.saveInfo(); err != nil {
		log.Printf("%s%v", ErrorLogPrefix, err)
	}
	if rec.config.StoragePath != "" { // in memory recordings stay readable until the dispatcher is discarded
		rec.session.Close()
	}
	rec.session = nil
}

func (rec *recorder) filter(call *Call, data CallbackData) Outcome {
	record := CallRecord{
		Function: rec.d.Functions().FunctionName(call.Function),
		Time:     time.Now().UnixNano(),
		Raw:      make([][]byte, len(call.Args)),
	}
	if call.Thread != nil {
		record.Thread = call.Thread.ID()
	}
	if tc := CallContext(call); tc != nil {
		record.Context = tc.Name()
	}
	for i, a := range call.Args {
		record.Raw[i] = slices.Clone(a.Bytes)
	}
	args, ret, err := rec.d.Functions().FormatArguments(call)
	if err != nil {
		log.Printf("%srecord %s: %v", ErrorLogPrefix, record.Function, err)
	}
	for i := range args {
		args[i] = limitValue(args[i], rec.maxValue)
	}
	record.Args = args
	record.Return = limitValue(ret, rec.maxValue)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.session == nil {
		return Continue
	}
	rec.seq++
	record.Seq = rec.seq
	rec.pending = append(rec.pending, record)
	if len(rec.pending) >= rec.segmentSize {
		if err := rec.flush(); err != nil {
			log.Printf("%s%v", ErrorLogPrefix, err)
		}
	}
	return Continue
}

func segmentKey(i int) string {
	return segmentKeyPrefix + fmt.Sprintf("%08d", i)
}

// flush writes the pending records as one segment, mu must be held.
func (rec *recorder) flush() error {
	if len(rec.pending) == 0 {
		return nil
	}
	encoded, err := msgpack.Marshal(rec.pending)
	if err != nil {
		return fmt.Errorf("encode segment failed: %w", err)
	} else if err := rec.session.Save(segmentKey(rec.segments), compressSegment(rec.codec, encoded)); err != nil {
		return fmt.Errorf("save segment failed: %w", err)
	}
	rec.segments++
	rec.info.Calls += uint64(len(rec.pending))
	rec.info.Segments = rec.segments
	rec.pending = rec.pending[:0]
	return rec.saveInfo()
}

func (rec *recorder) saveInfo() error {
	encoded, err := msgpack.Marshal(&rec.info)
	if err != nil {
		return fmt.Errorf("encode session failed: %w", err)
	}
	return rec.session.Save(sessionInfoKey, encoded)
}

// RecordingSession returns the id of the active recording session and its store, false when not recording.
func (d *Dispatcher) RecordingSession() (string, Storage, bool) {
	rec := d.recorder
	if rec == nil {
		return "", nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.store == nil {
		return "", nil, false
	}
	return rec.info.ID, rec.store, true
}

// FlushRecording writes buffered records so they are visible to LoadRecordedCalls.
func (d *Dispatcher) FlushRecording() error {
	rec := d.recorder
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.session == nil {
		return nil
	}
	return rec.flush()
}

// LoadSessionInfo reads the description of a recorded session.
func LoadSessionInfo(s Storage, session string) (SessionInfo, error) {
	var info SessionInfo
	blob, ok, err := SessionStorage(s, session).Load(sessionInfoKey)
	if err != nil {
		return info, err
	} else if !ok {
		return info, fmt.Errorf("session %s not found", session)
	}
	err = msgpack.Unmarshal(blob, &info)
	return info, err
}

// LoadRecordedCalls reads every call of a session in recording order.
func LoadRecordedCalls(s Storage, session string) ([]CallRecord, error) {
	store := SessionStorage(s, session)
	keys, err := store.ListPrefix(segmentKeyPrefix)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	segments := make([][]CallRecord, len(keys))
	errGroup := ErrGroupLimitCPU()
	for i, key := range keys {
		errGroup.Go(func() error {
			blob, ok, err := store.Load(key)
			if err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("segment %s vanished", key)
			}
			raw, err := decompressSegment(blob)
			if err != nil {
				return fmt.Errorf("segment %s: %w", key, err)
			}
			return msgpack.Unmarshal(raw, &segments[i])
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	var calls []CallRecord
	for _, seg := range segments {
		calls = append(calls, seg...)
	}
	return calls, nil
}

// FormatRecord renders a recorded call the way the trace filter-set does.
func FormatRecord(r CallRecord) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strconv.FormatInt(r.Thread, 10))
	sb.WriteString("] ")
	sb.WriteString(r.Function)
	sb.WriteByte('(')
	sb.WriteString(strings.Join(r.Args, ", "))
	sb.WriteByte(')')
	if r.Return != "" {
		sb.WriteString(" = ")
		sb.WriteString(r.Return)
	}
	return sb.String()
}
