package candle

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

type Event struct {
	Type    EventType
	Details string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
}

// events is the non-blocking diagnostics sink shared by a Device and its
// channels.
type events struct {
	evtChan chan Event
}

func newEvents(size int) events {
	return events{evtChan: make(chan Event, size)}
}

// Event returns the diagnostics channel. Events that do not fit are logged.
func (e *events) Event() <-chan Event {
	return e.evtChan
}

func (e *events) sendEvent(eventType EventType, details string) {
	select {
	case e.evtChan <- Event{Type: eventType, Details: details}:
	default:
		_, file, no, ok := runtime.Caller(2)
		if ok {
			log.Printf("%s#%d event channel full: %s\n", filepath.Base(file), no, details)
		} else {
			log.Printf("event channel full: %s", details)
		}
	}
}

// Send an error event
func (e *events) Error(err error) {
	e.sendEvent(EventTypeError, err.Error())
}

// Send a warning event
func (e *events) Warn(warn string) {
	e.sendEvent(EventTypeWarning, warn)
}

// Send an info event
func (e *events) Info(info string) {
	e.sendEvent(EventTypeInfo, info)
}

// Send a debug event
func (e *events) Debug(debug string) {
	e.sendEvent(EventTypeDebug, debug)
}
