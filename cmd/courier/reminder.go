package main

import (
	"fmt"

	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/model"
)

func runReminder(args []string) {
	if len(args) < 1 {
		fatalUsage(nil, "courier reminder <list|add|update|remove|default> ...")
	}
	rest := args[1:]
	switch args[0] {
	case "list":
		p, err := parseArgs(rest, nil, []string{"--json"})
		if err != nil || len(p.positional) != 0 {
			fatalUsage(err, "courier reminder list [--json]")
		}
		var tpls []model.ReminderTemplate
		call("reminder_list", nil, &tpls)
		if p.flag("--json") {
			printJSON(tpls)
			return
		}
		for _, t := range tpls {
			mark := " "
			if t.IsDefault {
				mark = "*"
			}
			fmt.Printf("%s %-24s %-20s %s\n", mark, t.ID, t.Name, oneLine(t.PromptText, 40))
		}
	case "add":
		p, err := parseArgs(rest, []string{"--name", "--text"}, []string{"--default"})
		if err != nil || len(p.positional) != 0 || p.value("--text") == "" {
			fatalUsage(err, "courier reminder add --name N --text T [--default]")
		}
		var out model.ReminderTemplate
		call("reminder_add", daemon.ReminderTemplateParams{
			Name:    p.value("--name"),
			Text:    p.value("--text"),
			Default: p.flag("--default"),
		}, &out)
		fmt.Printf("added reminder template %s\n", out.ID)
	case "update":
		p, err := parseArgs(rest, []string{"--name", "--text"}, nil)
		if err != nil || len(p.positional) != 1 {
			fatalUsage(err, "courier reminder update <id> --name N --text T")
		}
		call("reminder_update", daemon.ReminderTemplateParams{
			ID:   p.positional[0],
			Name: p.value("--name"),
			Text: p.value("--text"),
		}, nil)
		fmt.Printf("updated reminder template %s\n", p.positional[0])
	case "remove":
		id := singleID(rest, "courier reminder remove <id>")
		call("reminder_remove", daemon.IDParams{ID: id}, nil)
		fmt.Printf("removed reminder template %s\n", id)
	case "default":
		id := singleID(rest, "courier reminder default <id>")
		call("reminder_set_default", daemon.IDParams{ID: id}, nil)
		fmt.Printf("default reminder template is now %s\n", id)
	default:
		fatalf("unknown reminder subcommand: %s", args[0])
	}
}
