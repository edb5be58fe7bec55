package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ue1live/internal/lesson"
	"ue1live/internal/student"
	"ue1live/internal/view"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

func (cli *commandLine) printStudentHelp() {
	fmt.Fprintln(cli.out, "Commands:")
	fmt.Fprintln(cli.out, "  answer N - choose option N of the current multiple choice question")
	fmt.Fprintln(cli.out, "  write TEXT - answer the current writing task")
	fmt.Fprintln(cli.out, "  next | prev - move on your own while free pace is on")
	fmt.Fprintln(cli.out, "  dismiss | show | help | leave")
}

func (cli *commandLine) student(args []string) error {
	fs := flag.NewFlagSet("student", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	server := fs.String("server", defaultServer, "ue1live service URL")
	lessonsDir := fs.String("lessons", "lessons", "directory of lesson JSON files")
	code := fs.String("code", "", "six character join code")
	name := fs.String("name", "", "display name shown to the teacher")
	identifier := fs.String("id", "", "stable student identifier; reuse it to rejoin (default: random)")
	configFile := fs.String("config", "", "config file for session tunables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		fs.Usage()
		return errHelp
	}
	if *identifier == "" {
		*identifier = uuid.NewString()
	}

	cfg, err := settings(*configFile)
	if err != nil {
		return err
	}
	catalog, err := lesson.LoadDir(*lessonsDir)
	if err != nil {
		return err
	}

	st, err := cli.connect(*server)
	if err != nil {
		return err
	}
	defer st.Close()

	screen := &studentScreen{cli: cli, catalog: catalog}
	coord := student.New(st, *identifier,
		student.WithCatalog(catalog),
		student.WithPromptTTL(cfg.PromptTTL),
		student.WithReconnect(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		student.WithClock(cli.now),
		student.WithListener(screen.update),
	)
	screen.ttl = coord.PromptTTL()
	defer coord.Leave()

	ctx := context.Background()
	if err := coord.Join(ctx, *code, *name); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "joined as %s\n", *identifier)

	return cli.repl(func(cmd string, args []string) (bool, error) {
		if cmd == "leave" || cmd == "quit" || cmd == "exit" {
			return true, coord.Leave()
		}
		return false, cli.studentCommand(ctx, coord, screen, cmd, args)
	})
}

func (cli *commandLine) studentCommand(ctx context.Context, coord *student.Coordinator, screen *studentScreen, cmd string, args []string) error {
	switch cmd {
	case "answer":
		return cli.answer(ctx, coord, args)
	case "write":
		return cli.write(ctx, coord, args)
	case "next", "prev":
		dir := position.Next
		if cmd == "prev" {
			dir = position.Prev
		}
		if err := coord.Step(dir); err != nil {
			return err
		}
		s := coord.State()
		if l, ok := coord.Lesson(); ok {
			if err := coord.UpdateSection(ctx, position.Label(s.Position(), l.Counts())); err != nil {
				return err
			}
		}
		screen.show(coord.State())
	case "dismiss":
		coord.DismissPrompt()
	case "show":
		screen.show(coord.State())
	case "help":
		cli.printStudentHelp()
	default:
		cli.printStudentHelp()
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (cli *commandLine) answer(ctx context.Context, coord *student.Coordinator, args []string) error {
	s := coord.State()
	p := s.Position()
	if s.Session == nil || s.Session.Status != types.StatusActive || p.Section != types.SectionMC {
		return errors.New("there is no multiple choice question to answer")
	}
	l, ok := coord.Lesson()
	if !ok {
		return lesson.ErrLessonNotFound
	}
	q, ok := l.MC(p.Index)
	if !ok {
		return types.ErrInvalidIndex
	}
	if len(args) != 1 {
		return errors.New("usage: answer N")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(q.Options) {
		return errors.Errorf("choose an option from 1 to %d", len(q.Options))
	}
	if err := coord.SubmitMC(ctx, p.Index, q, n-1); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "answer %d submitted\n", n)
	return nil
}

func (cli *commandLine) write(ctx context.Context, coord *student.Coordinator, args []string) error {
	s := coord.State()
	p := s.Position()
	if s.Session == nil || s.Session.Status != types.StatusActive || p.Section != types.SectionWriting {
		return errors.New("there is no writing task to answer")
	}
	text := strings.Join(args, " ")
	if text == "" {
		return errors.New("usage: write TEXT")
	}
	if err := coord.SubmitWriting(ctx, p.Index, text); err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "writing submitted")
	return nil
}

// studentScreen reprints the view whenever what it shows changes.
type studentScreen struct {
	cli     *commandLine
	catalog *lesson.Catalog
	ttl     time.Duration

	mu   sync.Mutex
	last string
}

func (s *studentScreen) update(state student.State) {
	if state.Conn == student.Reconnecting && state.Err != nil {
		fmt.Fprintf(s.cli.out, "connection lost, retrying (attempt %d)\n", state.Attempts)
	}
	if state.Conn != student.Joined {
		return
	}
	s.refresh(state, false)
}

func (s *studentScreen) show(state student.State) {
	s.refresh(state, true)
}

func (s *studentScreen) refresh(state student.State, force bool) {
	v := s.render(state)
	key := screenKey(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.last && !force {
		return
	}
	s.last = key
	printView(s.cli.out, v)
}

func (s *studentScreen) render(state student.State) view.View {
	in := view.Input{
		Role:         view.RoleStudent,
		Session:      state.Session,
		Participants: state.Participants,
		Prompt:       state.Prompt,
		PromptAt:     state.PromptAt,
		PromptTTL:    s.ttl,
		Now:          s.cli.now(),
	}
	local := state.Local
	in.Local = &local
	if state.Session != nil {
		if l, err := s.catalog.Get(state.Session.LessonID); err == nil {
			in.Lesson = l
		}
	}
	return view.Render(in)
}

// screenKey identifies what a view shows, ignoring timestamps.
func screenKey(v view.View) string {
	prompt := ""
	if v.Prompt != nil {
		prompt = v.Prompt.ID
	}
	return fmt.Sprintf("%s|%s|%d|%d|%d|%s", v.Kind, v.Status, v.Page, v.ParticipantCount, v.TeacherPage, prompt)
}
