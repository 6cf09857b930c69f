package server

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/server/api/rest/middleware"
	"github.com/jobserv/jobserv/server/services"
)

// APIRouter is the full jobserv HTTP surface.
type APIRouter struct {
	chi.Router
}

func NewAPIRouter(
	health *HealthAPI,
	project *ProjectAPI,
	build *BuildAPI,
	run *RunAPI,
	worker *WorkerAPI,
	webhook *WebhookAPI,
	scripts *ScriptsAPI,
	authenticationService services.AuthenticationService,
	logFactory logger.LogFactory,
) *APIRouter {
	log := logFactory("APIRouter")
	chimiddleware.DefaultLogger = chimiddleware.RequestLogger(&chimiddleware.DefaultLogFormatter{Logger: log, NoColor: true})

	internal := middleware.MakeInternalAuthenticator(authenticationService, log)
	workerAuth := middleware.MakeWorkerAuthenticator(authenticationService, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.StripSlashes)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	// The frontend is served from a different origin; the worker endpoints
	// don't need CORS but are unharmed by it.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-RUN-STATUS", "X-RUN-METADATA", "X-OFFSET", "X-URL-EXPIRATION"},
		ExposedHeaders: []string{"Location", "X-RUN-STATUS", "X-JOBSERV-CANCEL"},
		MaxAge:         300,
	}))

	r.Get("/healthz", health.Check)
	r.Get("/health/runs", health.Runs)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Get("/runner", scripts.Runner)
	r.Get("/worker", scripts.Worker)
	r.Get("/simulator", scripts.Simulator)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", project.List)
		r.With(internal).Post("/", project.Create)

		r.Route("/{projectName}", func(r chi.Router) {
			r.Get("/", project.Get)
			r.With(internal).Delete("/", project.Delete)

			r.Route("/triggers", func(r chi.Router) {
				r.Use(internal)
				r.Get("/", project.ListTriggers)
				r.Post("/", project.CreateTrigger)
				r.Patch("/{triggerID}", project.PatchTrigger)
				r.Delete("/{triggerID}", project.DeleteTrigger)
			})

			r.Route("/builds", func(r chi.Router) {
				r.Get("/", build.List)
				r.With(internal).Post("/", build.Create)
				r.Get("/latest", build.Latest)

				r.Route("/{buildNumber}", func(r chi.Router) {
					r.Get("/", build.Get)
					r.With(internal).Patch("/", build.Patch)
					r.With(internal).Post("/cancel", build.Cancel)
					r.With(internal).Post("/promote", build.Promote)
					r.Get("/project.yml", build.GetDefinition)

					r.Route("/runs", func(r chi.Router) {
						r.Get("/", run.List)

						r.Route("/{runName}", func(r chi.Router) {
							r.Get("/", run.Get)
							r.Post("/", run.Update)
							r.With(internal).Post("/rerun", run.Rerun)
							r.With(internal).Post("/cancel", run.Cancel)
							r.Post("/create_signed", run.CreateSignedURLs)
							r.Post("/tests", run.UpsertTest)
							r.Get("/*", run.GetArtifact)
						})
					})
				})
			})

			r.Get("/promoted-builds", build.ListPromoted)
			r.Get("/promoted-builds/{buildName}", build.GetPromoted)
			r.With(internal).Post("/external-builds", build.CreateExternal)
		})
	})

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", worker.List)
		r.Post("/{workerName}", worker.Create)
		r.Get("/{workerName}", worker.CheckIn)
		r.With(workerAuth).Patch("/{workerName}", worker.Patch)
		r.With(workerAuth).Post("/{workerName}/events", worker.PostEvent)
		r.With(workerAuth).Get("/{workerName}/volumes-deleted", worker.VolumesDeleted)
		r.With(workerAuth).Put("/{workerName}/logs", worker.UploadLogs)
	})

	r.Post("/github/{projectName}", webhook.GitHub)
	r.Post("/gitlab/{projectName}", webhook.GitLab)

	return &APIRouter{Router: r}
}
