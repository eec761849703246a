package main

import (
	"errors"
	"fmt"

	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/store"
	"github.com/msageha/courier/internal/uds"
)

// runAnswer writes a completion signal. With the daemon running it goes over
// the socket; otherwise the file is written directly and picked up at the
// next daemon start.
func runAnswer(args []string) {
	if len(args) < 1 || args[0] != "write" {
		fatalUsage(nil, "courier answer write [--request-id R] [--value key=value ...]")
	}
	p, err := parseArgs(args[1:], []string{"--request-id", "--value"}, nil)
	if err != nil || len(p.positional) != 0 {
		fatalUsage(err, "courier answer write [--request-id R] [--value key=value ...]")
	}
	values, err := p.keyValues("--value")
	if err != nil {
		fatalf("answer write: %v", err)
	}
	sig := queue.Signal{RequestID: p.value("--request-id"), ResponseValues: values}

	courierDir := mustCourierDir()
	var res daemon.Result
	err = client().Call("answer", sig, &res)
	if err == nil {
		fmt.Printf("answer written to %s\n", res.Message)
		return
	}
	if !errors.Is(err, uds.ErrUnreachable) {
		fatalf("answer: %v", err)
	}

	st, err := store.Open(courierDir, mustConfig(courierDir), logging.Discard())
	if err != nil {
		fatalf("open store: %v", err)
	}
	if err := queue.WriteAnswer(st.AnswerPath(), sig); err != nil {
		fatalf("answer write: %v", err)
	}
	fmt.Printf("daemon not reachable; answer written to %s\n", st.AnswerPath())
}
