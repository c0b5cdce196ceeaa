package query

import (
	"errors"
	"net/http"

	"github.com/devblac/game-indexer/internal/projection"
	"github.com/gin-gonic/gin"
)

// Problem is the error body returned by the API.
type Problem struct {
	Title  string `json:"title,omitempty"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type handler struct {
	svc *Service
}

// NewRouter returns a gin engine serving the read-only API.
func NewRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(&r.RouterGroup, svc)
	return r
}

// RegisterRoutes mounts the query routes on rg. There are no mutation routes.
func RegisterRoutes(rg *gin.RouterGroup, svc *Service) {
	h := handler{svc: svc}
	rg.GET("/games", h.listGames)
	rg.GET("/games/:id", h.getGame)
	rg.GET("/games/:id/events", h.getEvents)
	rg.GET("/owner", h.getOwner)
	rg.GET("/status", h.getStatus)
}

func viewParam(c *gin.Context) (projection.View, bool) {
	view, err := projection.ParseView(c.Query("view"))
	if err != nil {
		c.JSON(http.StatusBadRequest, Problem{Title: "bad view", Status: http.StatusBadRequest, Detail: err.Error()})
		return view, false
	}
	return view, true
}

func (h handler) getGame(c *gin.Context) {
	view, ok := viewParam(c)
	if !ok {
		return
	}
	g, err := h.svc.Get(c.Param("id"), view)
	switch {
	case errors.Is(err, ErrInvalidID):
		c.JSON(http.StatusBadRequest, Problem{Title: "bad game id", Status: http.StatusBadRequest, Detail: err.Error()})
	case errors.Is(err, projection.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
	case errors.Is(err, projection.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, Problem{Title: "internal error", Status: http.StatusInternalServerError, Detail: err.Error()})
	default:
		c.JSON(http.StatusOK, g)
	}
}

func (h handler) listGames(c *gin.Context) {
	view, ok := viewParam(c)
	if !ok {
		return
	}
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"view": view.String(), "ids": h.svc.ActiveGames(view)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": view.String(), "games": h.svc.Games(view)})
}

func (h handler) getEvents(c *gin.Context) {
	evs, err := h.svc.Events(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrInvalidID):
		c.JSON(http.StatusBadRequest, Problem{Title: "bad game id", Status: http.StatusBadRequest, Detail: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, Problem{Title: "internal error", Status: http.StatusInternalServerError, Detail: err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"events": evs})
	}
}

func (h handler) getOwner(c *gin.Context) {
	view, ok := viewParam(c)
	if !ok {
		return
	}
	o, err := h.svc.Owner(view)
	if errors.Is(err, projection.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h handler) getStatus(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, Problem{Title: "internal error", Status: http.StatusInternalServerError, Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
