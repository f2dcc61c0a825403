package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lila/deviceconnect/internal/dexcom"
	"github.com/lila/deviceconnect/internal/ingest"
)

// IngestRunner triggers one endpoint run.
type IngestRunner interface {
	Run(ctx context.Context, spec dexcom.EndpointSpec, opts ingest.Options) (ingest.Summary, error)
}

// CredentialStore is the slice of the credential store the API needs:
// the registry for the probe route and unlink for user deletion.
type CredentialStore interface {
	ListIdentities(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, identity string) error
}

// TokenChecker verifies a user still holds a usable credential.
type TokenChecker interface {
	ValidToken(ctx context.Context, identity string) (string, error)
}

type Server struct {
	log     *slog.Logger
	runner  IngestRunner
	creds   CredentialStore
	tokens  TokenChecker
	router  *gin.Engine
	limiter *limiterStore
}

func NewServer(log *slog.Logger, runner IngestRunner, creds CredentialStore, tokens TokenChecker) *Server {
	s := &Server{
		log:     log,
		runner:  runner,
		creds:   creds,
		tokens:  tokens,
		router:  gin.New(),
		limiter: newLimiterStore(1, 5, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	// one trigger route per endpoint spec
	for _, spec := range dexcom.Specs() {
		r.GET("/dexcom-"+spec.Name, s.runIngest(spec))
	}
	r.GET("/dexcom-ingest", s.probe)
	r.DELETE("/dexcom-user/:id", s.unlinkUser)
	r.GET("/health", s.health)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// runIngest drives one endpoint run. The response is always 200 with a short
// completion message; per-user failures and even a load failure are
// observable through logs only, keeping the trigger contract scheduler-safe.
func (s *Server) runIngest(spec dexcom.EndpointSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := ingest.Options{User: c.Query("user")}

		if raw := c.Query("date"); raw != "" {
			date, err := time.Parse("2006-01-02", raw)
			if err != nil {
				c.String(http.StatusBadRequest, "bad date %q: want YYYY-MM-DD", raw)
				return
			}
			opts.Date = &date
		}

		summary, err := s.runner.Run(c.Request.Context(), spec, opts)
		if err != nil {
			s.log.Error("ingest_run_failed", "endpoint", spec.Name, "error", err)
		}

		c.String(http.StatusOK, "Dexcom %s Loaded (%d users, %d rows)",
			spec.Name, len(summary.Results), summary.RowsLoaded)
	}
}

// probe reports per-user credential health without fetching or loading data.
func (s *Server) probe(c *gin.Context) {
	ctx := c.Request.Context()

	identities, err := s.creds.ListIdentities(ctx)
	if err != nil {
		c.String(http.StatusInternalServerError, "list users: %v", err)
		return
	}

	var b strings.Builder
	for _, identity := range identities {
		if _, err := s.tokens.ValidToken(ctx, identity); err != nil {
			fmt.Fprintf(&b, "%s: unauthorized\n", identity)
			continue
		}
		fmt.Fprintf(&b, "%s: ok\n", identity)
	}
	c.String(http.StatusOK, "%d users\n%s", len(identities), b.String())
}

// unlinkUser deletes the stored token so no further data is ingested.
func (s *Server) unlinkUser(c *gin.Context) {
	identity := c.Param("id")
	if identity == "" {
		c.String(http.StatusBadRequest, "missing user id")
		return
	}
	if err := s.creds.Delete(c.Request.Context(), identity); err != nil {
		s.log.Error("user_unlink_failed", "identity", identity, "error", err)
		c.String(http.StatusInternalServerError, "unlink failed")
		return
	}
	s.log.Info("user_unlinked", "identity", identity)
	c.String(http.StatusOK, "Dexcom user unlinked")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
