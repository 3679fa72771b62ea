package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zjrosen/gaffer/internal/domain"
)

type repositoryListResponse struct {
	Repositories []*domain.Repository `json:"repositories"`
	Total        int                  `json:"total"`
}

type createRepositoryRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	LocalPath     string `json:"localPath"`
	DefaultBranch string `json:"defaultBranch"`
}

// repoStore guards the optional repository store. Deployments without
// one get a 404 on every repository route.
func (s *Server) repoStore(c *gin.Context) (domain.RepositoryStore, bool) {
	if s.deps.Repos == nil {
		writeError(c, http.StatusNotFound, "repository store not configured", "")
		return nil, false
	}
	return s.deps.Repos, true
}

func (s *Server) listRepositories(c *gin.Context) {
	store, ok := s.repoStore(c)
	if !ok {
		return
	}

	repos, err := store.List()
	if err != nil {
		respondError(c, err)
		return
	}
	if repos == nil {
		repos = []*domain.Repository{}
	}
	c.JSON(http.StatusOK, repositoryListResponse{Repositories: repos, Total: len(repos)})
}

func (s *Server) getRepository(c *gin.Context) {
	store, ok := s.repoStore(c)
	if !ok {
		return
	}

	repo, err := store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (s *Server) createRepository(c *gin.Context) {
	store, ok := s.repoStore(c)
	if !ok {
		return
	}

	var req createRepositoryRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Name == "" {
		respondError(c, &domain.ValidationError{Field: "name", Reason: "name is required"})
		return
	}
	if req.URL == "" {
		respondError(c, &domain.ValidationError{Field: "url", Reason: "url is required"})
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo := &domain.Repository{
		ID:            uuid.NewString(),
		Name:          req.Name,
		URL:           req.URL,
		LocalPath:     req.LocalPath,
		DefaultBranch: req.DefaultBranch,
		SyncStatus:    domain.SyncPending,
	}
	if err := store.Create(repo); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) deleteRepository(c *gin.Context) {
	store, ok := s.repoStore(c)
	if !ok {
		return
	}

	if err := store.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
