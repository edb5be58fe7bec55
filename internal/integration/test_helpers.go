// Package integration runs the coordinators against a live service over the
// remote store, the way the command line client does.
package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ue1live/internal/app"
	"ue1live/internal/config"
	"ue1live/internal/lesson"
	"ue1live/internal/remote"
	"ue1live/internal/student"
	"ue1live/internal/teacher"
	"ue1live/internal/view"
	dbconfig "ue1live/pkg/database"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// drivers are the store backends every scenario runs against.
var drivers = []string{dbconfig.DriverMemory, dbconfig.DriverSQLite}

// startService runs a full ue1live service and returns its base URL.
func startService(t *testing.T, driver string) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Database.Driver = driver
	if driver == dbconfig.DriverSQLite {
		cfg.Database.DSN = filepath.Join(t.TempDir(), "ue1live.db")
	}

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return "http://" + application.GetAddr()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// newClient opens a separate remote store, as a separate browser would.
func newClient(t *testing.T, baseURL string) *remote.Client {
	t.Helper()
	client, err := remote.New(baseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func loadLesson(t *testing.T) (*lesson.Catalog, *lesson.Lesson) {
	t.Helper()
	catalog, err := lesson.LoadDir(filepath.Join("..", "..", "lessons"))
	require.NoError(t, err)
	content, err := catalog.Get("ue1-intro")
	require.NoError(t, err)
	return catalog, content
}

// classroom is one teacher and a lesson served by a running service.
type classroom struct {
	t       *testing.T
	baseURL string
	catalog *lesson.Catalog
	content *lesson.Lesson
	teacher *teacher.Coordinator
}

func newClassroom(t *testing.T, driver string) *classroom {
	t.Helper()
	baseURL := startService(t, driver)
	catalog, content := loadLesson(t)

	host := teacher.New(newClient(t, baseURL), content.Counts(),
		teacher.WithTeacherID("teacher-1"),
		teacher.WithReconnectBackoff(20*time.Millisecond, 100*time.Millisecond),
	)
	t.Cleanup(func() { _ = host.Close() })

	return &classroom{t: t, baseURL: baseURL, catalog: catalog, content: content, teacher: host}
}

// newStudent returns a coordinator with its own connection to the service.
func (c *classroom) newStudent(identifier string) *student.Coordinator {
	c.t.Helper()
	s := student.New(newClient(c.t, c.baseURL), identifier,
		student.WithCatalog(c.catalog),
		student.WithReconnect(20*time.Millisecond, 100*time.Millisecond, 3),
	)
	c.t.Cleanup(func() { _ = s.Leave() })
	return s
}

func (c *classroom) studentView(s *student.Coordinator) view.View {
	state := s.State()
	local := state.Local
	return view.Render(view.Input{
		Role:         view.RoleStudent,
		Session:      state.Session,
		Local:        &local,
		Lesson:       c.content,
		Participants: state.Participants,
		Prompt:       state.Prompt,
		PromptAt:     state.PromptAt,
		PromptTTL:    s.PromptTTL(),
		Now:          time.Now(),
	})
}

func (c *classroom) teacherView() view.View {
	state := c.teacher.State()
	return view.Render(view.Input{
		Role:         view.RoleTeacher,
		Session:      state.Session,
		Lesson:       c.content,
		Participants: state.Participants,
		Now:          time.Now(),
	})
}
