package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"ue1live/internal/lesson"
	"ue1live/internal/teacher"
	"ue1live/internal/view"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

func (cli *commandLine) printTeacherHelp() {
	fmt.Fprintln(cli.out, "Commands:")
	fmt.Fprintln(cli.out, "  start | pause | end | next | prev | ahead")
	fmt.Fprintln(cli.out, "  goto notes|mc|writing [N] - move the class to a page")
	fmt.Fprintln(cli.out, "  prompt focus|timer|message TEXT - broadcast a prompt")
	fmt.Fprintln(cli.out, "  stats [mc|open_ended N] - response tally, current question by default")
	fmt.Fprintln(cli.out, "  roster | show | help | quit")
}

func (cli *commandLine) teacher(args []string) error {
	fs := flag.NewFlagSet("teacher", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	server := fs.String("server", defaultServer, "ue1live service URL")
	lessonsDir := fs.String("lessons", "lessons", "directory of lesson JSON files")
	lessonID := fs.String("lesson", "", "lesson to present")
	resume := fs.String("resume", "", "session id to resume instead of creating a new session")
	teacherID := fs.String("teacher", "", "teacher id recorded on the session")
	configFile := fs.String("config", "", "config file for session tunables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lessonID == "" {
		fs.Usage()
		return errHelp
	}

	cfg, err := settings(*configFile)
	if err != nil {
		return err
	}
	catalog, err := lesson.LoadDir(*lessonsDir)
	if err != nil {
		return err
	}
	content, err := catalog.Get(*lessonID)
	if err != nil {
		return err
	}

	st, err := cli.connect(*server)
	if err != nil {
		return err
	}
	defer st.Close()

	coord := teacher.New(st, content.Counts(),
		teacher.WithTeacherID(*teacherID),
		teacher.WithMaxCodeAttempts(cfg.MaxCodeAttempts),
		teacher.WithReconnectBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
	)
	defer coord.Close()

	ctx := context.Background()
	var session *types.Session
	if *resume != "" {
		session, err = coord.Resume(ctx, *resume)
	} else {
		session, err = coord.CreateSession(ctx, content.ID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "session %s, join code %s\n", session.ID, session.Code)
	cli.showTeacher(coord, content)

	return cli.repl(func(cmd string, args []string) (bool, error) {
		if cmd == "quit" || cmd == "exit" {
			return true, nil
		}
		if err := cli.teacherCommand(ctx, coord, content, cmd, args); err != nil {
			return false, err
		}
		return false, nil
	})
}

func (cli *commandLine) teacherCommand(ctx context.Context, coord *teacher.Coordinator, content *lesson.Lesson, cmd string, args []string) error {
	var err error
	switch cmd {
	case "start":
		err = coord.StartSession(ctx)
	case "pause":
		err = coord.TogglePause(ctx)
	case "end":
		err = coord.EndSession(ctx)
	case "next":
		err = coord.Advance(ctx, position.Next)
	case "prev":
		err = coord.Advance(ctx, position.Prev)
	case "ahead":
		err = coord.ToggleAllowAhead(ctx)
	case "goto":
		var p position.Position
		if p, err = parsePosition(args); err == nil {
			err = coord.UpdatePosition(ctx, p.Section, p.Index)
		}
	case "prompt":
		if len(args) < 1 {
			return errors.New("usage: prompt focus|timer|message TEXT")
		}
		err = coord.SendPrompt(ctx, types.PromptType(args[0]), strings.Join(args[1:], " "))
	case "stats":
		return cli.teacherStats(coord, args)
	case "roster":
		for _, entry := range coord.Participants() {
			fmt.Fprintf(cli.out, "  - %s %s online=%t section=%q\n",
				entry.Alias, entry.Participant.DisplayName, entry.Participant.IsOnline, entry.Participant.CurrentSection)
		}
		return nil
	case "show":
	case "help":
		cli.printTeacherHelp()
		return nil
	default:
		cli.printTeacherHelp()
		return errors.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		coord.ClearNotice()
		return err
	}
	cli.showTeacher(coord, content)
	return nil
}

func (cli *commandLine) teacherStats(coord *teacher.Coordinator, args []string) error {
	if len(args) == 0 {
		stats, ok := coord.CurrentStats()
		if !ok {
			return errors.New("the class is not on a question")
		}
		p := position.Of(coord.State().Session)
		qt, _ := types.QuestionTypeFor(p.Section)
		printStats(cli.out, qt, p.Index, stats)
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: stats [mc|open_ended N]")
	}
	qt := types.QuestionType(args[0])
	if !types.IsValidQuestionType(qt) {
		return types.ErrInvalidQuestionType
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		return types.ErrInvalidIndex
	}
	printStats(cli.out, qt, n-1, coord.ResponseStats(qt, n-1))
	return nil
}

func (cli *commandLine) showTeacher(coord *teacher.Coordinator, content *lesson.Lesson) {
	s := coord.State()
	printView(cli.out, view.Render(view.Input{
		Role:         view.RoleTeacher,
		Session:      s.Session,
		Lesson:       content,
		Participants: s.Participants,
		Now:          cli.now(),
	}))
}

// parsePosition reads "notes", "mc N" or "writing N"; N counts from 1.
func parsePosition(args []string) (position.Position, error) {
	if len(args) == 0 {
		return position.Position{}, errors.New("usage: goto notes|mc|writing [N]")
	}
	section := types.Section(args[0])
	if !types.IsValidSection(section) {
		return position.Position{}, types.ErrInvalidSection
	}
	if section == types.SectionNotes {
		return position.Start, nil
	}
	if len(args) < 2 {
		return position.Position{Section: section}, nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		return position.Position{}, types.ErrInvalidIndex
	}
	return position.Position{Section: section, Index: n - 1}, nil
}
