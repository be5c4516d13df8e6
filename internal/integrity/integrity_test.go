package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"trullo/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Project{}, &model.Task{}, &model.ProjectTask{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(db, logger), db
}

func createProject(t *testing.T, db *gorm.DB, name string) model.Project {
	t.Helper()
	project := model.Project{Name: name}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func createUser(t *testing.T, db *gorm.DB, name, email string) model.User {
	t.Helper()
	user := model.User{Name: name, Email: email, Password: "x", Role: model.RoleUser}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// checkConsistency 校验双向引用一致性：
// project_tasks 里引用的每个任务都存在，每个任务恰好被一个项目引用。
func checkConsistency(t *testing.T, db *gorm.DB) {
	t.Helper()

	var taskIDs []uint
	if err := db.Model(&model.Task{}).Pluck("id", &taskIDs).Error; err != nil {
		t.Fatalf("pluck tasks: %v", err)
	}
	var linkedIDs []uint
	if err := db.Model(&model.ProjectTask{}).Pluck("task_id", &linkedIDs).Error; err != nil {
		t.Fatalf("pluck links: %v", err)
	}

	tasks := map[uint]bool{}
	for _, id := range taskIDs {
		tasks[id] = true
	}
	linked := map[uint]int{}
	for _, id := range linkedIDs {
		linked[id]++
	}

	for id := range tasks {
		if linked[id] != 1 {
			t.Fatalf("task %d referenced by %d projects, want 1", id, linked[id])
		}
	}
	for id := range linked {
		if !tasks[id] {
			t.Fatalf("project references deleted task %d", id)
		}
	}
}

func TestCreateTask_AppendsToProjectList(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")

	first, err := m.CreateTask(ctx, project.ID, "Write spec", "draft it", nil)
	if err != nil {
		t.Fatalf("create first task: %v", err)
	}
	if first.Status != model.StatusTodo {
		t.Fatalf("expected status %q, got %q", model.StatusTodo, first.Status)
	}
	if first.AssignedTo != nil {
		t.Fatalf("expected no assignee on fresh task")
	}

	second, err := m.CreateTask(ctx, project.ID, "Review spec", "read it", nil)
	if err != nil {
		t.Fatalf("create second task: %v", err)
	}

	links := []model.ProjectTask{}
	if err := db.Where("project_id = ?", project.ID).Order("position").Find(&links).Error; err != nil {
		t.Fatalf("load links: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	if links[0].TaskID != first.ID || links[1].TaskID != second.ID {
		t.Fatalf("expected list order [%d %d], got [%d %d]", first.ID, second.ID, links[0].TaskID, links[1].TaskID)
	}
	if links[0].Position >= links[1].Position {
		t.Fatalf("expected increasing positions, got %d then %d", links[0].Position, links[1].Position)
	}
	checkConsistency(t, db)
}

func TestCreateTask_ProjectMissing(t *testing.T) {
	m, db := newTestManager(t)

	_, err := m.CreateTask(context.Background(), 9999, "Orphan", "no home", nil)
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}

	var count int64
	if err := db.Model(&model.Task{}).Count(&count).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no task rows after failed create, got %d", count)
	}
}

func TestDeleteTask_PrunesAllProjectReferences(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	other := createProject(t, db, "Stale")

	task, err := m.CreateTask(ctx, project.ID, "Write spec", "draft it", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// 模拟历史数据损坏：另一个项目也残留了对该任务的引用
	stray := model.ProjectTask{ProjectID: other.ID, TaskID: task.ID, Position: 1}
	if err := db.Create(&stray).Error; err != nil {
		t.Fatalf("create stray link: %v", err)
	}

	if err := m.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	var linkCount int64
	if err := db.Model(&model.ProjectTask{}).Where("task_id = ?", task.ID).Count(&linkCount).Error; err != nil {
		t.Fatalf("count links: %v", err)
	}
	if linkCount != 0 {
		t.Fatalf("expected defensive scan to remove all references, %d left", linkCount)
	}
	if _, err := TaskViewByID(ctx, db, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task gone, got %v", err)
	}
}

func TestDeleteTask_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.DeleteTask(context.Background(), 4242); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDeleteProject_CascadesTasks(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	keep := createProject(t, db, "Keep")

	var doomed []uint
	for i := 0; i < 3; i++ {
		task, err := m.CreateTask(ctx, project.ID, fmt.Sprintf("task-%d", i), "body", nil)
		if err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
		doomed = append(doomed, task.ID)
	}
	survivor, err := m.CreateTask(ctx, keep.ID, "survivor", "body", nil)
	if err != nil {
		t.Fatalf("create survivor: %v", err)
	}

	if err := m.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	for _, id := range doomed {
		if _, err := TaskViewByID(ctx, db, id); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected task %d unresolvable, got %v", id, err)
		}
	}
	var project2 model.Project
	if err := db.First(&project2, project.ID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected project unresolvable, got %v", err)
	}
	if _, err := TaskViewByID(ctx, db, survivor.ID); err != nil {
		t.Fatalf("survivor task should remain: %v", err)
	}
	checkConsistency(t, db)
}

func TestDeleteProject_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.DeleteProject(context.Background(), 4242); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestAssignTask(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	user := createUser(t, db, "Ann", "ann@x.com")

	task, err := m.CreateTask(ctx, project.ID, "Write spec", "draft it", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	view, err := m.AssignTask(ctx, task.ID, user.ID)
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if view.AssignedTo == nil || view.AssignedTo.ID != user.ID || view.AssignedTo.Email != "ann@x.com" {
		t.Fatalf("expected assignee expanded, got %+v", view.AssignedTo)
	}

	if _, err := m.AssignTask(ctx, task.ID, 9999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := m.AssignTask(ctx, 9999, user.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskView_DanglingAssigneeRendersEmpty(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	user := createUser(t, db, "Ann", "ann@x.com")

	task, err := m.CreateTask(ctx, project.ID, "Write spec", "draft it", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := m.AssignTask(ctx, task.ID, user.ID); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	// 用户被删除后 assigned_to 允许悬空，读路径要渲染成空而不是报错
	if err := db.Delete(&model.User{}, user.ID).Error; err != nil {
		t.Fatalf("delete user: %v", err)
	}

	view, err := TaskViewByID(ctx, db, task.ID)
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	if view.AssignedTo != nil {
		t.Fatalf("expected dangling assignee to render empty, got %+v", view.AssignedTo)
	}
}

func TestIntegrityHeldAfterMixedSequence(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	p1 := createProject(t, db, "P1")
	p2 := createProject(t, db, "P2")

	t1, err := m.CreateTask(ctx, p1.ID, "t1", "b", nil)
	if err != nil {
		t.Fatalf("create t1: %v", err)
	}
	checkConsistency(t, db)

	if _, err := m.CreateTask(ctx, p2.ID, "t2", "b", nil); err != nil {
		t.Fatalf("create t2: %v", err)
	}
	checkConsistency(t, db)

	t3, err := m.CreateTask(ctx, p1.ID, "t3", "b", nil)
	if err != nil {
		t.Fatalf("create t3: %v", err)
	}
	checkConsistency(t, db)

	if err := m.DeleteTask(ctx, t1.ID); err != nil {
		t.Fatalf("delete t1: %v", err)
	}
	checkConsistency(t, db)

	if err := m.DeleteProject(ctx, p2.ID); err != nil {
		t.Fatalf("delete p2: %v", err)
	}
	checkConsistency(t, db)

	// P1 现在应该只列出 t3
	var links []model.ProjectTask
	if err := db.Where("project_id = ?", p1.ID).Find(&links).Error; err != nil {
		t.Fatalf("load links: %v", err)
	}
	if len(links) != 1 || links[0].TaskID != t3.ID {
		t.Fatalf("expected P1 to list exactly t3, got %+v", links)
	}
}

func TestProjectTaskViews_OrderAndGrouping(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	p1 := createProject(t, db, "P1")
	p2 := createProject(t, db, "P2")

	var want []string
	for i := 0; i < 3; i++ {
		title := fmt.Sprintf("p1-task-%d", i)
		if _, err := m.CreateTask(ctx, p1.ID, title, "b", nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		want = append(want, title)
	}
	if _, err := m.CreateTask(ctx, p2.ID, "p2-task", "b", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	grouped, err := ProjectTaskViews(ctx, db, []uint{p1.ID, p2.ID})
	if err != nil {
		t.Fatalf("project task views: %v", err)
	}
	if len(grouped[p1.ID]) != 3 || len(grouped[p2.ID]) != 1 {
		t.Fatalf("unexpected grouping: p1=%d p2=%d", len(grouped[p1.ID]), len(grouped[p2.ID]))
	}
	for i, view := range grouped[p1.ID] {
		if view.Title != want[i] {
			t.Fatalf("expected list order %v, got %q at %d", want, view.Title, i)
		}
	}
}

func TestReadsAreIdempotent(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	if _, err := m.CreateTask(ctx, project.ID, "t", "b", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := AllTaskViews(ctx, db)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := AllTaskViews(ctx, db)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Fatalf("expected identical reads, got %+v vs %+v", first, second)
	}
}

func TestCreateTask_KeepsFinishedBy(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	project := createProject(t, db, "Launch")
	due := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	view, err := m.CreateTask(ctx, project.ID, "t", "b", &due)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.FinishedBy == nil || !view.FinishedBy.Equal(due) {
		t.Fatalf("expected finishedBy %v, got %v", due, view.FinishedBy)
	}
}
