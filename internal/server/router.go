package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/metrics"
)

// maxBody bounds a command body.
const maxBody = 1 << 20

// Router exposes the commands reachable from one channel as
// {basePath}/<command> routes. GET commands take no body; POST commands
// take a JSON object. Anything else answers 404.
type Router struct {
	d        *dispatch.Dispatcher
	ch       dispatch.Channel
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router for channel ch. basePath may be empty or
// start with '/'; no trailing slash.
func NewRouter(d *dispatch.Dispatcher, ch dispatch.Channel, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		d:        d,
		ch:       ch,
		basePath: sanitizeBase(basePath),
		log:      logger.With("component", "server", "channel", ch.String()),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.observe)
	group := g.Group(r.basePath)
	for _, c := range r.d.Commands(r.ch) {
		group.Handle(c.Method, "/"+c.Name, r.handle(c.Name))
	}
	g.NoRoute(r.notFound)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handle(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
			if err != nil {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
				return
			}
			if len(b) > maxBody {
				writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: "body too large"})
				return
			}
			body = b
		}
		env, err := r.d.Dispatch(c.Request.Context(), r.ch, c.Request.Method, name, body)
		switch {
		case errors.Is(err, dispatch.ErrNotFound):
			r.notFound(c)
		case errors.Is(err, dispatch.ErrBadRequest):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		case err != nil:
			r.log.Error("command failed", "command", name, "error", err)
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusOK, env)
		}
	}
}

func (r *Router) notFound(c *gin.Context) {
	writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
}

func (r *Router) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	// Unmatched paths share one label so scanners cannot blow up cardinality.
	cmd := strings.TrimPrefix(strings.TrimPrefix(c.FullPath(), r.basePath), "/")
	if cmd == "" {
		cmd = "unmatched"
	}
	elapsed := time.Since(start)
	metrics.ObserveRequest(r.ch.String(), cmd, c.Writer.Status(), elapsed.Seconds())
	r.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "elapsed", elapsed)
}
