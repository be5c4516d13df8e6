// Package integrity 维护项目与任务之间的引用一致性。
//
// 所有跨越 Project↔Task 边界的变更（创建任务、删除任务、删除项目、
// 指派任务）都必须经过这里：每个操作在单个数据库事务内完成，
// 保证操作结束后 project_tasks 中的引用与 tasks 表完全一致。
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trullo/internal/model"
	"trullo/internal/pkg/metrics"

	"gorm.io/gorm"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrUserNotFound    = errors.New("user not found")
)

// AssigneeView 是任务负责人的精简视图。
type AssigneeView struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// TaskView 是对外返回的任务视图，负责人已展开。
type TaskView struct {
	ID          uint          `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	AssignedTo  *AssigneeView `json:"assignedTo"`
	FinishedBy  *time.Time    `json:"finishedBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Manager 封装保持引用一致性所需的数据库操作。
type Manager struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewManager 创建 Manager。
func NewManager(db *gorm.DB, logger *slog.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// CreateTask 在指定项目下创建任务。
//
// 项目不存在时返回 ErrProjectNotFound。新任务以 to-do 状态创建，
// 并以递增的 Position 追加到项目的任务列表末尾。
func (m *Manager) CreateTask(ctx context.Context, projectID uint, title, description string, finishedBy *time.Time) (*TaskView, error) {
	var created model.Task
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project model.Project
		if err := tx.First(&project, projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("load project: %w", err)
		}

		created = model.Task{
			Title:       title,
			Description: description,
			Status:      model.StatusTodo,
			FinishedBy:  finishedBy,
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		var maxPosition int
		if err := tx.Model(&model.ProjectTask{}).
			Where("project_id = ?", projectID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPosition).Error; err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		link := model.ProjectTask{
			ProjectID: projectID,
			TaskID:    created.ID,
			Position:  maxPosition + 1,
		}
		if err := tx.Create(&link).Error; err != nil {
			return fmt.Errorf("link task to project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TasksCreatedTotal.Inc()
	return TaskViewByID(ctx, m.db, created.ID)
}

// DeleteTask 删除任务并清理所有项目对它的引用。
//
// 这里按 task_id 清理整张 project_tasks 表，而不是只信任某一个
// 父项目记录（与原有行为保持一致的防御性扫描）。
func (m *Manager) DeleteTask(ctx context.Context, taskID uint) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("load task: %w", err)
		}

		if err := tx.Where("task_id = ?", taskID).Delete(&model.ProjectTask{}).Error; err != nil {
			return fmt.Errorf("unlink task: %w", err)
		}
		if err := tx.Delete(&model.Task{}, taskID).Error; err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TasksDeletedTotal.Inc()
	return nil
}

// DeleteProject 删除项目以及它引用的全部任务。
func (m *Manager) DeleteProject(ctx context.Context, projectID uint) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project model.Project
		if err := tx.First(&project, projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("load project: %w", err)
		}

		var taskIDs []uint
		if err := tx.Model(&model.ProjectTask{}).
			Where("project_id = ?", projectID).
			Pluck("task_id", &taskIDs).Error; err != nil {
			return fmt.Errorf("load task list: %w", err)
		}

		if len(taskIDs) > 0 {
			if err := tx.Where("id IN ?", taskIDs).Delete(&model.Task{}).Error; err != nil {
				return fmt.Errorf("delete tasks: %w", err)
			}
			// 同样防御性地清掉这些任务在其他项目中的残留引用
			if err := tx.Where("task_id IN ?", taskIDs).Delete(&model.ProjectTask{}).Error; err != nil {
				return fmt.Errorf("unlink tasks: %w", err)
			}
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&model.ProjectTask{}).Error; err != nil {
			return fmt.Errorf("clear task list: %w", err)
		}
		if err := tx.Delete(&model.Project{}, projectID).Error; err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ProjectsDeletedTotal.Inc()
	return nil
}

// AssignTask 将任务指派给用户。
//
// 任务或用户不存在时分别返回 ErrTaskNotFound / ErrUserNotFound。
func (m *Manager) AssignTask(ctx context.Context, taskID, userID uint) (*TaskView, error) {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("load task: %w", err)
		}

		var user model.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("load user: %w", err)
		}

		if err := tx.Model(&model.Task{}).
			Where("id = ?", taskID).
			Update("assigned_to", userID).Error; err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return TaskViewByID(ctx, m.db, taskID)
}

// taskRow 是任务视图查询的扫描结构。
type taskRow struct {
	ID            uint
	Title         string
	Description   string
	Status        string
	FinishedBy    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AssigneeID    *uint
	AssigneeName  *string
	AssigneeEmail *string
}

const taskViewSelect = "tasks.id, tasks.title, tasks.description, tasks.status, tasks.finished_by, " +
	"tasks.created_at, tasks.updated_at, " +
	"users.id AS assignee_id, users.name AS assignee_name, users.email AS assignee_email"

// TaskViewByID 加载单个任务的展开视图（负责人展开为 {id,name,email}）。
//
// 负责人引用悬空（用户已删除）时视图中负责人为空，读操作不报错。
func TaskViewByID(ctx context.Context, db *gorm.DB, taskID uint) (*TaskView, error) {
	var row taskRow
	err := db.WithContext(ctx).Table("tasks").
		Select(taskViewSelect).
		Joins("LEFT JOIN users ON users.id = tasks.assigned_to").
		Where("tasks.id = ?", taskID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("load task view: %w", err)
	}
	view := row.toView()
	return &view, nil
}

// AllTaskViews 加载全部任务的展开视图。
func AllTaskViews(ctx context.Context, db *gorm.DB) ([]TaskView, error) {
	rows := []taskRow{}
	if err := db.WithContext(ctx).Table("tasks").
		Select(taskViewSelect).
		Joins("LEFT JOIN users ON users.id = tasks.assigned_to").
		Order("tasks.id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	views := make([]TaskView, 0, len(rows))
	for _, row := range rows {
		views = append(views, row.toView())
	}
	return views, nil
}

// ProjectTaskViews 按列表顺序加载一批项目的任务视图，按项目 ID 分组返回。
func ProjectTaskViews(ctx context.Context, db *gorm.DB, projectIDs []uint) (map[uint][]TaskView, error) {
	grouped := make(map[uint][]TaskView, len(projectIDs))
	if len(projectIDs) == 0 {
		return grouped, nil
	}

	type TaskRow = taskRow
	type projectTaskRow struct {
		TaskRow
		ProjectID uint
	}
	rows := []projectTaskRow{}
	if err := db.WithContext(ctx).Table("tasks").
		Select(taskViewSelect+", project_tasks.project_id").
		Joins("JOIN project_tasks ON project_tasks.task_id = tasks.id").
		Joins("LEFT JOIN users ON users.id = tasks.assigned_to").
		Where("project_tasks.project_id IN ?", projectIDs).
		Order("project_tasks.project_id, project_tasks.position").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}

	for _, row := range rows {
		grouped[row.ProjectID] = append(grouped[row.ProjectID], row.toView())
	}
	return grouped, nil
}

func (r taskRow) toView() TaskView {
	view := TaskView{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		FinishedBy:  r.FinishedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.AssigneeID != nil && r.AssigneeName != nil && r.AssigneeEmail != nil {
		view.AssignedTo = &AssigneeView{
			ID:    *r.AssigneeID,
			Name:  *r.AssigneeName,
			Email: *r.AssigneeEmail,
		}
	}
	return view
}
