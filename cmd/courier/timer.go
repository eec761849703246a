package main

import (
	"fmt"
	"strings"

	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/model"
)

var (
	timerValueFlags = []string{"--name", "--prompt", "--template", "--every", "--at", "--date"}
	timerBoolFlags  = []string{"--answer-wrapper", "--no-answer-wrapper", "--json"}
)

const timerEntryUsage = "--prompt P (--every MIN | --at HH:MM [--at ...] [--date YYYY-MM-DD]) " +
	"[--name N] [--template T] [--answer-wrapper]"

func runTimer(args []string) {
	if len(args) < 1 {
		fatalUsage(nil, "courier timer <list|add|update|pause|resume|remove|fire|enable|disable> ...")
	}
	rest := args[1:]
	switch args[0] {
	case "list":
		runTimerList(rest)
	case "add":
		p, err := parseArgs(rest, timerValueFlags, timerBoolFlags)
		if err != nil || len(p.positional) != 0 {
			fatalUsage(err, "courier timer add "+timerEntryUsage)
		}
		ent, err := applyTimerFlags(model.TimedEntry{}, p)
		if err != nil {
			fatalf("timer add: %v", err)
		}
		var out model.TimedEntry
		call("timer_add", ent, &out)
		fmt.Printf("added timer %s (%s)\n", out.ID, out.Status)
	case "update":
		runTimerUpdate(rest)
	case "pause", "resume", "remove":
		id := singleID(rest, "courier timer "+args[0]+" <id>")
		call("timer_"+args[0], daemon.IDParams{ID: id}, nil)
		fmt.Printf("%s %s\n", args[0], id)
	case "fire":
		id := singleID(rest, "courier timer fire <id>")
		var res daemon.Result
		call("timer_fire", daemon.IDParams{ID: id}, &res)
		if res.Fired {
			fmt.Printf("fired %s\n", id)
		} else {
			fmt.Println(res.Message)
		}
	case "enable", "disable":
		call("timer_set_enabled", daemon.EnableParams{Enabled: args[0] == "enable"}, nil)
		fmt.Printf("timers %sd\n", args[0])
	default:
		fatalf("unknown timer subcommand: %s", args[0])
	}
}

func runTimerList(args []string) {
	p, err := parseArgs(args, nil, []string{"--json"})
	if err != nil || len(p.positional) != 0 {
		fatalUsage(err, "courier timer list [--json]")
	}
	var list daemon.TimerList
	call("timer_list", nil, &list)
	if p.flag("--json") {
		printJSON(list)
		return
	}
	state := "enabled"
	if !list.Enabled {
		state = "disabled"
	}
	fmt.Printf("timers %s, %d slot(s)\n", state, len(list.Slots))
	for _, e := range list.Entries {
		fmt.Printf("  %-28s %-9s %-20s %s\n", e.ID, e.Status, describeSchedule(e), oneLine(e.Prompt, 40))
	}
}

// runTimerUpdate overlays the given flags on the current entry, so only the
// fields named on the command line change.
func runTimerUpdate(args []string) {
	p, err := parseArgs(args, timerValueFlags, timerBoolFlags)
	if err != nil || len(p.positional) != 1 {
		fatalUsage(err, "courier timer update <id> "+timerEntryUsage)
	}
	id := p.positional[0]
	var list daemon.TimerList
	call("timer_list", nil, &list)
	var cur *model.TimedEntry
	for i := range list.Entries {
		if list.Entries[i].ID == id {
			cur = &list.Entries[i]
			break
		}
	}
	if cur == nil {
		fatalf("timer %s not found", id)
	}
	ent, err := applyTimerFlags(*cur, p)
	if err != nil {
		fatalf("timer update: %v", err)
	}
	var out model.TimedEntry
	call("timer_update", daemon.TimerUpdateParams{ID: id, Entry: ent}, &out)
	fmt.Printf("updated timer %s\n", out.ID)
}

// applyTimerFlags copies schedule and prompt flags onto ent. --every switches
// the entry to interval mode; --at switches it to scheduled mode, with --date
// applying to every --at given.
func applyTimerFlags(ent model.TimedEntry, p parsedArgs) (model.TimedEntry, error) {
	if p.has("--name") {
		ent.Name = p.value("--name")
	}
	if p.has("--prompt") {
		ent.Prompt = p.value("--prompt")
	}
	if p.has("--template") {
		ent.Template = p.value("--template")
	}
	if p.flag("--answer-wrapper") {
		ent.AnswerWrapper = true
	}
	if p.flag("--no-answer-wrapper") {
		ent.AnswerWrapper = false
	}
	if p.has("--every") && p.has("--at") {
		return ent, fmt.Errorf("--every and --at are mutually exclusive")
	}
	if p.has("--every") {
		n, err := p.intValue("--every")
		if err != nil {
			return ent, err
		}
		ent.ScheduleMode = model.ScheduleModeInterval
		ent.IntervalMinutes = n
		ent.ScheduledTimes = nil
	}
	if p.has("--at") {
		ent.ScheduleMode = model.ScheduleModeScheduled
		ent.IntervalMinutes = 0
		ent.ScheduledTimes = nil
		for _, at := range p.values["--at"] {
			for _, t := range strings.Split(at, ",") {
				ent.ScheduledTimes = append(ent.ScheduledTimes, model.ScheduledTime{
					Time: strings.TrimSpace(t),
					Date: p.value("--date"),
				})
			}
		}
	} else if p.has("--date") {
		return ent, fmt.Errorf("--date requires --at")
	}
	if ent.Name == "" {
		ent.Name = oneLine(ent.Prompt, 24)
	}
	return ent, nil
}

func describeSchedule(e model.TimedEntry) string {
	if e.ScheduleMode == model.ScheduleModeInterval {
		return fmt.Sprintf("every %dm", e.IntervalMinutes)
	}
	times := make([]string, 0, len(e.ScheduledTimes))
	for _, st := range e.ScheduledTimes {
		if st.Date != "" {
			times = append(times, st.Date+" "+st.Time)
		} else {
			times = append(times, st.Time)
		}
	}
	return "at " + strings.Join(times, ",")
}
