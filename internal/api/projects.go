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

// projectResponse 项目的对外视图，任务按列表顺序展开。
type projectResponse struct {
	ID        uint                 `json:"id"`
	Name      string               `json:"name"`
	Tasks     []integrity.TaskView `json:"tasks"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

type updateProjectRequest struct {
	Name *string `json:"name"`
}

// handleCreateProject 创建一个空任务列表的项目。
//
// POST /projects
func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project name is required"})
		return
	}

	project := model.Project{Name: strings.TrimSpace(req.Name)}
	if project.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project name is required"})
		return
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&project).Error; err != nil {
		s.logger.Error("create project failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create project failed"})
		return
	}

	c.JSON(http.StatusCreated, projectResponse{
		ID:        project.ID,
		Name:      project.Name,
		Tasks:     []integrity.TaskView{},
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
	})
}

// handleListProjects 返回全部项目，任务与负责人展开。
//
// GET /projects
func (s *Server) handleListProjects(c *gin.Context) {
	projects := []model.Project{}
	if err := s.db.WithContext(c.Request.Context()).Order("id").Find(&projects).Error; err != nil {
		s.logger.Error("list projects failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list projects failed"})
		return
	}

	ids := make([]uint, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	taskViews, err := integrity.ProjectTaskViews(c.Request.Context(), s.db, ids)
	if err != nil {
		s.logger.Error("load project tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list projects failed"})
		return
	}

	resp := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, toProjectResponse(p, taskViews[p.ID]))
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetProject 返回单个项目。
//
// GET /projects/:id
func (s *Server) handleGetProject(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	project, ok := s.loadProject(c, id)
	if !ok {
		return
	}

	taskViews, err := integrity.ProjectTaskViews(c.Request.Context(), s.db, []uint{id})
	if err != nil {
		s.logger.Error("load project tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load project failed"})
		return
	}

	c.JSON(http.StatusOK, toProjectResponse(project, taskViews[id]))
}

// handleUpdateProject 部分更新项目名称。
//
// 请求里没有带 name 时不改任何字段，按当前状态返回。
//
// PATCH /projects/:id
func (s *Server) handleUpdateProject(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	project, ok := s.loadProject(c, id)
	if !ok {
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project name"})
			return
		}
		if err := s.db.WithContext(c.Request.Context()).Model(&model.Project{}).
			Where("id = ?", id).Update("name", name).Error; err != nil {
			s.logger.Error("update project failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update project failed"})
			return
		}
		project.Name = name
	}

	taskViews, err := integrity.ProjectTaskViews(c.Request.Context(), s.db, []uint{id})
	if err != nil {
		s.logger.Error("load project tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update project failed"})
		return
	}

	c.JSON(http.StatusOK, toProjectResponse(project, taskViews[id]))
}

// handleDeleteProject 删除项目及其全部任务。
//
// DELETE /projects/:id
func (s *Server) handleDeleteProject(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := s.tasks.DeleteProject(c.Request.Context(), id); err != nil {
		if errors.Is(err, integrity.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.logger.Error("delete project failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete project failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) loadProject(c *gin.Context, id uint) (model.Project, bool) {
	var project model.Project
	if err := s.db.WithContext(c.Request.Context()).First(&project, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return project, false
		}
		s.logger.Error("load project failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load project failed"})
		return project, false
	}
	return project, true
}

func toProjectResponse(project model.Project, tasks []integrity.TaskView) projectResponse {
	if tasks == nil {
		tasks = []integrity.TaskView{} // JSON 输出 [] 而不是 null
	}
	return projectResponse{
		ID:        project.ID,
		Name:      project.Name,
		Tasks:     tasks,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
	}
}
