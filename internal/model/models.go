package model

import (
	"time"
)

// Project 表示一个项目（任务的容器）。
//
// 项目通过 project_tasks 关联表持有一个有序的任务列表，
// 对应关系由 integrity 包在每次跨实体变更时维护。
type Project struct {
	ID        uint      `gorm:"primaryKey"` // 项目唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Name string `gorm:"not null"` // 项目名称
}

// Task 表示项目中的一条任务。
//
// 任务本身不存父项目指针：归属关系只记录在 project_tasks 表里，
// 删除任务时按 task_id 清理所有项目的引用。
type Task struct {
	ID        uint      `gorm:"primaryKey"` // 任务唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Title       string `gorm:"not null"` // 任务标题
	Description string `gorm:"not null"` // 任务描述

	Status     string     `gorm:"type:varchar(16);default:to-do"` // 任务状态: to-do / in progress / blocked / done
	AssignedTo *uint      // 负责人用户 ID（可为空；用户删除后允许悬空）
	FinishedBy *time.Time // 期望完成时间
}

// ProjectTask 是项目与任务的关联表。
//
// Position 记录任务在项目列表中的顺序（创建顺序）。
type ProjectTask struct {
	ProjectID uint `gorm:"primaryKey"` // 项目 ID
	TaskID    uint `gorm:"primaryKey"` // 任务 ID

	CreatedAt time.Time // 关联创建时间
	Position  int       `gorm:"default:0"` // 任务在项目列表中的位置
}

// 任务状态常量。
const (
	StatusTodo       = "to-do"
	StatusInProgress = "in progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// ValidStatus 判断状态是否是系统认可的值。
func ValidStatus(status string) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}
