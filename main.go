package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

type AppState struct {
	Model      ModelService
	Pipeline   *Pipeline
	Metrics    *RequestMetrics
	Log        *logrus.Entry
	RatePerMin int
}

func NewAppState(model ModelService, log *logrus.Entry, ratePerMin int) *AppState {
	return &AppState{
		Model:      model,
		Pipeline:   NewPipeline(model, log.WithField("component", "pipeline")),
		Metrics:    &RequestMetrics{},
		Log:        log,
		RatePerMin: ratePerMin,
	}
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	detector := detections.NewDetector(logger.WithField("component", "detector"))
	defer detections.DestroyEnvironment()
	defer detector.Close()

	// The server still starts without a model; health reports it and
	// detect answers 503.
	if err := detector.Load(cfg.DetectorConfig()); err != nil {
		logger.WithError(err).Error("Failed to load model")
	}

	state := NewAppState(detector, logger.WithField("component", "http"), cfg.RatePerMin)

	accessLog := logger.WriterLevel(logrus.InfoLevel)
	defer accessLog.Close()

	srv := &http.Server{
		Handler:      state.Handler(cfg.CORSOrigins, accessLog),
		Addr:         cfg.HTTPAddr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
		}
	case sig := <-done:
		logger.Infof("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Error shutting down HTTP server")
		} else {
			logger.Info("HTTP server gracefully stopped")
		}
	}
}

// Handler is the full middleware stack: access log, CORS, then the router.
func (s *AppState) Handler(corsOrigins []string, accessLog io.Writer) http.Handler {
	var h http.Handler = s.Router()
	h = handlers.CORS(
		handlers.AllowedOrigins(corsOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	return handlers.CombinedLoggingHandler(accessLog, h)
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	r.Use(s.recoverPanics)

	var detect http.Handler = handleDetect(s)
	if s.RatePerMin > 0 {
		detect = httprate.Limit(
			s.RatePerMin,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(handleRateLimited),
		)(detect)
	}

	r.Handle("/api/v1/detect", detect).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/health", handleHealth(s)).Methods(http.MethodGet)

	r.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	return r
}

func handleDetect(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := fmt.Sprintf("%d", time.Now().UnixNano())
		timings := &models.ProcessingTimings{RequestID: requestID}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		response, err := state.Pipeline.Run(r.Context(), payloadFor(r), timings)
		if err != nil {
			apiErr := toAPIError(err)
			entry := state.Log.WithFields(logrus.Fields{
				"request_id": requestID,
				"status":     apiErr.Status,
				"code":       apiErr.Code,
			})
			if apiErr.Status >= http.StatusInternalServerError {
				entry.WithError(err).Error("Detection failed")
			} else {
				entry.WithError(err).Info("Detection rejected")
			}
			state.Metrics.RecordFailure(apiErr.Status)
			sendErrorResponse(w, apiErr)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(state.Log, timings)
		state.Metrics.RecordSuccess(response.Summary.TotalDetections, timings.Total)

		writeJSON(w, http.StatusOK, response)
	}
}

func handleHealth(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		loaded := state.Model.IsLoaded()
		status := "Unhealthy"
		if loaded {
			status = "Healthy"
		}
		writeJSON(w, http.StatusOK, models.HealthResponse{
			Status:      status,
			ModelLoaded: loaded,
			Device:      state.Model.Device(),
		})
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.InfoResponse{
		Message:     MsgServiceName,
		DocsURL:     "/docs",
		HealthCheck: "/api/v1/health",
	})
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"model_loaded": s.Model.IsLoaded(),
		"device":       s.Model.Device(),
		"requests":     s.Metrics.Snapshot(),
		"goroutines":   runtime.NumGoroutine(),
	}
	if stats, ok := s.Model.Stats(); ok {
		response["pool"] = stats
	}
	writeJSON(w, http.StatusOK, response)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	sendErrorResponse(w, &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: MsgNotFound})
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	sendErrorResponse(w, &APIError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: MsgMethodNotAllowed})
}

func handleRateLimited(w http.ResponseWriter, _ *http.Request) {
	sendErrorResponse(w, &APIError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: MsgRateLimited})
}

// recoverPanics answers a panicking handler with a generic 500. An *APIError
// panic is sent as is.
func (s *AppState) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			if apiErr, ok := rec.(*APIError); ok {
				s.Log.Infof("Failed request %v: %v %v", r.URL.Path, apiErr.Status, apiErr.Message)
				sendErrorResponse(w, apiErr)
				return
			}
			s.Log.WithField("stack", string(debug.Stack())).Errorf("Panic serving %v: %v", r.URL.Path, rec)
			s.Metrics.RecordFailure(http.StatusInternalServerError)
			sendErrorResponse(w, &APIError{Status: http.StatusInternalServerError, Code: CodeInternalError, Message: MsgServerError})
		}()
		next.ServeHTTP(w, r)
	})
}
