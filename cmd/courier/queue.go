package main

import (
	"fmt"

	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
)

func runQueue(args []string) {
	if len(args) < 1 {
		fatalUsage(nil, "courier queue <add|list|update|reminder|status|send|remove|move|clear|auto-send|followup> ...")
	}
	rest := args[1:]
	switch args[0] {
	case "add":
		runQueueAdd(rest)
	case "list":
		runQueueList(rest)
	case "update":
		runQueueUpdate(rest)
	case "reminder":
		runQueueReminder(rest)
	case "status":
		if len(rest) != 2 {
			fatalUsage(nil, "courier queue status <id> <staged|pending>")
		}
		call("queue_set_status", daemon.SetStatusParams{ID: rest[0], Status: model.PromptStatus(rest[1])}, nil)
		fmt.Printf("%s -> %s\n", rest[0], rest[1])
	case "send":
		runQueueSend(rest)
	case "remove":
		id := singleID(rest, "courier queue remove <id>")
		call("queue_remove", daemon.IDParams{ID: id}, nil)
		fmt.Printf("removed %s\n", id)
	case "move":
		if len(rest) != 2 {
			fatalUsage(nil, "courier queue move <id> <up|down>")
		}
		call("queue_move", daemon.MoveParams{ID: rest[0], Direction: rest[1]}, nil)
		fmt.Printf("moved %s %s\n", rest[0], rest[1])
	case "clear":
		p, err := parseArgs(rest, []string{"--status"}, nil)
		if err != nil || len(p.positional) != 0 {
			fatalUsage(err, "courier queue clear [--status S]")
		}
		var res daemon.Result
		call("queue_clear", daemon.StatusFilter{Status: model.PromptStatus(p.value("--status"))}, &res)
		fmt.Printf("cleared %d item(s)\n", res.Count)
	case "auto-send":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			fatalUsage(nil, "courier queue auto-send <on|off>")
		}
		call("queue_auto_send", daemon.EnableParams{Enabled: rest[0] == "on"}, nil)
		fmt.Printf("auto-send %s\n", rest[0])
	case "followup":
		runFollowUp(rest)
	default:
		fatalf("unknown queue subcommand: %s", args[0])
	}
}

func runQueueAdd(args []string) {
	p, err := parseArgs(args,
		[]string{"--template", "--position", "--follow-up", "--reminder-template", "--reminder-timeout"},
		[]string{"--answer-wrapper", "--defer", "--no-reminder", "--reminder-repeat", "--json"})
	if err != nil || len(p.positional) != 1 {
		fatalUsage(err, "courier queue add <text> [--template T] [--answer-wrapper] [--defer] [--position N] "+
			"[--follow-up TEXT ...] [--reminder-template ID] [--reminder-timeout M] [--reminder-repeat] [--no-reminder]")
	}
	req, err := buildEnqueue(p)
	if err != nil {
		fatalf("queue add: %v", err)
	}
	var out model.QueuedPrompt
	call("enqueue", req, &out)
	if p.flag("--json") {
		printJSON(out)
		return
	}
	fmt.Printf("queued %s (%s)\n", out.ID, out.Status)
}

// buildEnqueue maps "queue add" arguments onto an enqueue request.
func buildEnqueue(p parsedArgs) (queue.EnqueueRequest, error) {
	req := queue.EnqueueRequest{
		Text:          p.positional[0],
		Template:      p.value("--template"),
		AnswerWrapper: p.flag("--answer-wrapper"),
		DeferSend:     p.flag("--defer"),
	}
	if p.has("--position") {
		pos, err := p.intValue("--position")
		if err != nil {
			return req, err
		}
		req.Position = &pos
	}
	for _, text := range p.values["--follow-up"] {
		req.FollowUps = append(req.FollowUps, model.FollowUpPrompt{Text: text})
	}
	rs, err := reminderSettings(p, !p.flag("--no-reminder"))
	if err != nil {
		return req, err
	}
	req.Reminder = rs
	return req, nil
}

// reminderSettings returns nil when no reminder flag was given, leaving the
// daemon's configured defaults in effect.
func reminderSettings(p parsedArgs, enabled bool) (*queue.ReminderSettings, error) {
	if !p.has("--reminder-template") && !p.has("--reminder-timeout") && !p.flag("--reminder-repeat") && enabled {
		return nil, nil
	}
	timeout, err := p.intValue("--reminder-timeout")
	if err != nil {
		return nil, err
	}
	return &queue.ReminderSettings{
		Enabled:        enabled,
		TemplateID:     p.value("--reminder-template"),
		TimeoutMinutes: timeout,
		Repeat:         p.flag("--reminder-repeat"),
	}, nil
}

func runQueueList(args []string) {
	p, err := parseArgs(args, []string{"--status"}, []string{"--json"})
	if err != nil || len(p.positional) != 0 {
		fatalUsage(err, "courier queue list [--status S] [--json]")
	}
	var items []model.QueuedPrompt
	call("queue_list", daemon.StatusFilter{Status: model.PromptStatus(p.value("--status"))}, &items)
	if p.flag("--json") {
		printJSON(items)
		return
	}
	if len(items) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for i, it := range items {
		fmt.Printf("%3d  %-28s %-8s %s\n", i+1, it.ID, it.Status, oneLine(it.OriginalText, 60))
	}
}

func runQueueUpdate(args []string) {
	p, err := parseArgs(args, []string{"--text", "--template"}, []string{"--answer-wrapper", "--no-answer-wrapper"})
	if err != nil || len(p.positional) != 1 {
		fatalUsage(err, "courier queue update <id> [--text T] [--template T] [--answer-wrapper|--no-answer-wrapper]")
	}
	in := daemon.QueueUpdateParams{ID: p.positional[0]}
	if p.has("--text") {
		s := p.value("--text")
		in.Text = &s
	}
	if p.has("--template") {
		s := p.value("--template")
		in.Template = &s
	}
	switch {
	case p.flag("--answer-wrapper") && p.flag("--no-answer-wrapper"):
		fatalf("--answer-wrapper and --no-answer-wrapper are mutually exclusive")
	case p.flag("--answer-wrapper"):
		b := true
		in.AnswerWrapper = &b
	case p.flag("--no-answer-wrapper"):
		b := false
		in.AnswerWrapper = &b
	}
	var out model.QueuedPrompt
	call("queue_update", in, &out)
	fmt.Printf("updated %s\n", out.ID)
}

func runQueueReminder(args []string) {
	p, err := parseArgs(args, []string{"--template", "--timeout"}, []string{"--repeat", "--off"})
	if err != nil || len(p.positional) != 1 {
		fatalUsage(err, "courier queue reminder <id> [--timeout M] [--template ID] [--repeat] [--off]")
	}
	timeout, err := p.intValue("--timeout")
	if err != nil {
		fatalf("queue reminder: %v", err)
	}
	in := daemon.QueueUpdateParams{
		ID: p.positional[0],
		Reminder: &queue.ReminderSettings{
			Enabled:        !p.flag("--off"),
			TemplateID:     p.value("--template"),
			TimeoutMinutes: timeout,
			Repeat:         p.flag("--repeat"),
		},
	}
	call("queue_update", in, nil)
	fmt.Printf("reminder updated for %s\n", in.ID)
}

func runQueueSend(args []string) {
	p, err := parseArgs(args, []string{"--request-id"}, nil)
	if err != nil || len(p.positional) > 1 || (len(p.positional) == 0) == (p.value("--request-id") == "") {
		fatalUsage(err, "courier queue send <id> | --request-id R")
	}
	sel := queue.SendSelector{RequestID: p.value("--request-id")}
	if len(p.positional) == 1 {
		sel.ID = p.positional[0]
	}
	call("queue_send_now", sel, nil)
	fmt.Println("dispatched")
}

func runFollowUp(args []string) {
	if len(args) < 1 {
		fatalUsage(nil, "courier queue followup <add|update|remove> ...")
	}
	p, err := parseArgs(args[1:], []string{"--template"}, nil)
	if err != nil {
		fatalUsage(err, "courier queue followup <add|update|remove> ...")
	}
	pos := p.positional
	switch args[0] {
	case "add":
		if len(pos) != 2 {
			fatalUsage(nil, "courier queue followup add <id> <text> [--template T]")
		}
		var res daemon.Result
		call("followup_add", daemon.FollowUpParams{
			ID:       pos[0],
			FollowUp: model.FollowUpPrompt{Text: pos[1], Template: p.value("--template")},
		}, &res)
		fmt.Printf("added follow-up %s to %s\n", res.ID, pos[0])
	case "update":
		if len(pos) != 3 {
			fatalUsage(nil, "courier queue followup update <id> <follow_up_id> <text> [--template T]")
		}
		call("followup_update", daemon.FollowUpParams{
			ID:         pos[0],
			FollowUpID: pos[1],
			FollowUp:   model.FollowUpPrompt{Text: pos[2], Template: p.value("--template")},
		}, nil)
		fmt.Printf("updated follow-up %s\n", pos[1])
	case "remove":
		if len(pos) != 2 {
			fatalUsage(nil, "courier queue followup remove <id> <follow_up_id>")
		}
		call("followup_remove", daemon.FollowUpParams{ID: pos[0], FollowUpID: pos[1]}, nil)
		fmt.Printf("removed follow-up %s\n", pos[1])
	default:
		fatalf("unknown followup subcommand: %s", args[0])
	}
}

func singleID(args []string, usage string) string {
	if len(args) != 1 || args[0] == "" {
		fatalUsage(nil, usage)
	}
	return args[0]
}

func oneLine(s string, limit int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' {
			r[i] = ' '
		}
	}
	if len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return string(r)
}
