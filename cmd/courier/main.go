package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/setup"
	"github.com/msageha/courier/internal/status"
	"github.com/msageha/courier/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "timer":
		runTimer(os.Args[2:])
	case "reminder":
		runReminder(os.Args[2:])
	case "answer":
		runAnswer(os.Args[2:])
	case "version":
		fmt.Printf("courier %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	p, err := parseArgs(args, []string{"--name"}, nil)
	if err != nil || len(p.positional) != 1 {
		fatalUsage(err, "courier setup <project_dir> [--name NAME]")
	}
	if err := setup.Run(p.positional[0], p.value("--name")); err != nil {
		fatalf("setup: %v", err)
	}
	absDir, _ := filepath.Abs(p.positional[0])
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	courierDir := mustCourierDir()
	cfg := mustConfig(courierDir)

	d, err := daemon.New(courierDir, cfg)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runStop(_ []string) {
	call("shutdown", nil, nil)
	fmt.Println("shutdown requested")
}

func runStatus(args []string) {
	p, err := parseArgs(args, nil, []string{"--json"})
	if err != nil || len(p.positional) != 0 {
		fatalUsage(err, "courier status [--json]")
	}
	courierDir := mustCourierDir()
	if err := status.Run(courierDir, mustConfig(courierDir), p.flag("--json"), os.Stdout); err != nil {
		fatalf("status: %v", err)
	}
}

func mustCourierDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatalf("getwd: %v", err)
	}
	dir := setup.FindDir(wd)
	if dir == "" {
		fatalf("error: %s/ directory not found. Run 'courier setup <dir>' first.", setup.DirName)
	}
	return dir
}

func mustConfig(courierDir string) model.Config {
	cfg, err := setup.LoadConfig(courierDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func client() *uds.Client {
	return uds.NewClient(filepath.Join(mustCourierDir(), uds.DefaultSocketName))
}

// call sends one control command and decodes its result into out. Daemon-side
// failures exit with the error code; NOT_FOUND and BUSY exit 2.
func call(command string, params, out any) {
	err := client().Call(command, params, out)
	if err == nil {
		return
	}
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, detail.Code, detail.Message)
		if detail.Code == uds.ErrCodeNotFound || detail.Code == uds.ErrCodeBusy {
			os.Exit(2)
		}
		os.Exit(1)
	}
	fatalf("%s: %v", command, err)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func fatalUsage(err error, usage string) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	fmt.Fprintln(os.Stderr, "usage: "+usage)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `courier %s: prompt queue, timers and reminders for a chat surface

Usage: courier <command> [options]

Project:
  setup <dir> [--name N]      Initialize .courier/ directory
  daemon                      Run the daemon in the foreground
  stop                        Ask the running daemon to shut down
  status [--json]             Show daemon, queue, timer and reminder state

Queue:
  queue add <text> [flags]    Enqueue a prompt
  queue list [--status S] [--json]
  queue update <id> [--text T] [--template T] [--answer-wrapper|--no-answer-wrapper]
  queue reminder <id> [--timeout M] [--template ID] [--repeat] [--off]
  queue status <id> <staged|pending>
  queue send <id> | --request-id R
  queue remove <id>
  queue move <id> <up|down>
  queue clear [--status S]
  queue auto-send <on|off>
  queue followup add <id> <text> [--template T]
  queue followup update <id> <follow_up_id> <text> [--template T]
  queue followup remove <id> <follow_up_id>

Timers:
  timer list [--json]
  timer add --prompt P (--every MIN | --at HH:MM [--at ...] [--date YYYY-MM-DD]) [flags]
  timer update <id> [same flags as add]
  timer pause|resume|remove|fire <id>
  timer enable|disable

Reminders:
  reminder list [--json]
  reminder add --name N --text T [--default]
  reminder update <id> --name N --text T
  reminder remove <id>
  reminder default <id>

Answers:
  answer write [--request-id R] [--value key=value ...]

  version                     Show version
  help                        Show this help

`, version)
}
