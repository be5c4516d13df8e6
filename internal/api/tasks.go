package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"trullo/internal/integrity"
	"trullo/internal/model"

	"log/slog"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description" binding:"required"`
	ProjectID   uint       `json:"projectId" binding:"required"`
	FinishedBy  *time.Time `json:"finishedBy"`
}

type updateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	FinishedBy  *time.Time `json:"finishedBy"`
}

// handleCreateTask 在指定项目下创建任务。
//
// POST /tasks
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title, description and projectId are required"})
		return
	}

	view, err := s.tasks.CreateTask(c.Request.Context(), req.ProjectID, strings.TrimSpace(req.Title), req.Description, req.FinishedBy)
	if err != nil {
		if errors.Is(err, integrity.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.logger.Error("create task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create task failed"})
		return
	}

	c.JSON(http.StatusCreated, view)
}

// handleListTasks 返回全部任务，负责人展开。
//
// GET /tasks
func (s *Server) handleListTasks(c *gin.Context) {
	views, err := integrity.AllTaskViews(c.Request.Context(), s.db)
	if err != nil {
		s.logger.Error("list tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}
	c.JSON(http.StatusOK, views)
}

// handleUpdateTask 部分更新任务字段。
//
// PATCH /tasks/:id
func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var task model.Task
	if err := s.db.WithContext(c.Request.Context()).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("load task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update task failed"})
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid title"})
			return
		}
		updates["title"] = title
	}
	if req.Description != nil {
		if *req.Description == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid description"})
			return
		}
		updates["description"] = *req.Description
	}
	if req.Status != nil {
		status := strings.TrimSpace(strings.ToLower(*req.Status))
		if !model.ValidStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		updates["status"] = status
	}
	if req.FinishedBy != nil {
		updates["finished_by"] = *req.FinishedBy
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(c.Request.Context()).Model(&model.Task{}).
			Where("id = ?", id).Updates(updates).Error; err != nil {
			s.logger.Error("update task failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update task failed"})
			return
		}
	}

	view, err := integrity.TaskViewByID(c.Request.Context(), s.db, id)
	if err != nil {
		s.logger.Error("reload task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update task failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleDeleteTask 删除任务并清理项目引用。
//
// DELETE /tasks/:id
func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := s.tasks.DeleteTask(c.Request.Context(), id); err != nil {
		if errors.Is(err, integrity.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("delete task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete task failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleAssignTask 把任务指派给用户。
//
// PATCH /tasks/:id/assign/:userId
func (s *Server) handleAssignTask(c *gin.Context) {
	taskID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	userID, ok := parseIDParam(c, "userId")
	if !ok {
		return
	}

	view, err := s.tasks.AssignTask(c.Request.Context(), taskID, userID)
	if err != nil {
		switch {
		case errors.Is(err, integrity.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, integrity.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			s.logger.Error("assign task failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "assign task failed"})
		}
		return
	}

	c.JSON(http.StatusOK, view)
}
