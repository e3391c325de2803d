package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	RelayRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_retries_total",
		Help: "Повторы отправки через ретранслятор",
	}, []string{"host"})

	RelayNoPathTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_no_path_total",
		Help: "Запросы, отклонённые из-за отсутствия пути",
	})

	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_refresh_total",
		Help: "Обмены challenge/response по серверам",
	}, []string{"server", "status"})

	PollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poll_duration_seconds",
		Help:    "Длительность одного прохода опроса канала",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	PollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_errors_total",
		Help: "Ошибки задач опроса канала",
	}, []string{"task"})

	MessagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_ingested_total",
		Help: "Проверенные сообщения, переданные в беседу",
	})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_dropped_total",
		Help: "Отброшенные сообщения по причинам",
	}, []string{"reason"})

	DeletionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deletions_total",
		Help: "Удалённые на сервере сообщения",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		RelayRetriesTotal,
		RelayNoPathTotal,
		TokenRefreshTotal,
		PollDuration,
		PollErrors,
		MessagesIngested,
		MessagesDropped,
		DeletionsTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePoll записывает проход задачи опроса.
func ObservePoll(task string, start time.Time, err error) {
	PollDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	if err != nil {
		PollErrors.WithLabelValues(task).Inc()
	}
}

// ObserveTokenRefresh учитывает результат обмена challenge/response.
func ObserveTokenRefresh(server string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	TokenRefreshTotal.WithLabelValues(server, status).Inc()
}

// DropMessage учитывает отброшенное сообщение.
func DropMessage(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}
