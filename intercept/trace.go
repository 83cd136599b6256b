package intercept

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

type tracer struct {
	d        *Dispatcher
	mu       sync.Mutex
	path     string
	maxValue int
	out      io.Writer
	file     *os.File
	buf      *bufio.Writer
}

func registerTrace(d *Dispatcher, opts BuiltinOptions) error {
	t := &tracer{d: d, out: opts.TraceOutput}
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name:    TraceFilterSet,
		Help:    "writes every call with its arguments and return value",
		Init:    t.init,
		Done:    t.done,
		Command: t.command,
	})
	if err != nil {
		return err
	}
	if _, err = r.RegisterFilter(fs, TraceFilterSet, t.filter); err != nil {
		return err
	}
	r.RegisterFilterDependency(InvokeFilterSet, TraceFilterSet)
	return nil
}

func (t *tracer) command(fs *FilterSet, name, value string) error {
	switch name {
	case "file":
		t.path = value
	case "maxvalue":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("maxvalue: %w", err)
		}
		t.maxValue = n
	default:
		return ErrUnknownCommand
	}
	return nil
}

func (t *tracer) init(fs *FilterSet) error {
	if t.path != "" {
		f, err := os.Create(t.path)
		if err != nil {
			return fmt.Errorf("create trace file failed: %w", err)
		}
		t.file = f
		t.buf = bufio.NewWriter(f)
		t.out = t.buf
	}
	return nil
}

func (t *tracer) done(fs *FilterSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf != nil {
		if err := t.buf.Flush(); err != nil {
			log.Printf("%sflush trace: %v", ErrorLogPrefix, err)
		}
		t.buf = nil
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *tracer) filter(call *Call, data CallbackData) Outcome {
	line, err := t.traceLine(call)
	if err != nil {
		log.Printf("%strace: %v", ErrorLogPrefix, err)
		return Continue
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		log.Print(line)
	} else if _, err := io.WriteString(t.out, line+"\n"); err != nil {
		log.Printf("%strace write: %v", ErrorLogPrefix, err)
	}
	return Continue
}

func (t *tracer) traceLine(call *Call) (string, error) {
	var sb strings.Builder
	if call.Thread != nil {
		sb.WriteString("[")
		sb.WriteString(strconv.FormatInt(call.Thread.ID(), 10))
		sb.WriteString("] ")
	}
	if t.maxValue <= 0 {
		err := t.d.Functions().FormatCall(&sb, call, 0)
		return sb.String(), err
	}

	args, ret, err := t.d.Functions().FormatArguments(call)
	if err != nil {
		return "", err
	}
	sb.WriteString(t.d.Functions().FunctionName(call.Function))
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(limitValue(a, t.maxValue))
	}
	sb.WriteByte(')')
	if ret != "" {
		sb.WriteString(" = ")
		sb.WriteString(limitValue(ret, t.maxValue))
	}
	return sb.String(), nil
}
