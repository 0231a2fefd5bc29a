package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// EngineContext creates a logger context for detection engine runs
func EngineContext(symbol, timeframe string, barCount int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bar_count": barCount,
	}).WithComponent("engine")
}

// SignalContext creates a logger context for reversal signal evaluation
func SignalContext(symbol string, isBullish bool, barTime time.Time) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":     symbol,
		"is_bullish": isBullish,
		"bar_time":   barTime.Format(time.RFC3339),
	}).WithComponent("signal")
}

// ZoneContext creates a logger context for supply/demand zone operations
func ZoneContext(symbol string, zoneCount int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":     symbol,
		"zone_count": zoneCount,
	}).WithComponent("zone")
}

// AgentContext creates a logger context for agent cycle operations
func AgentContext(agentID int64, symbol, timeframe string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"agent_id":  agentID,
		"symbol":    symbol,
		"timeframe": timeframe,
	}).WithComponent("agent")
}

// PositionContext creates a logger context for position operations
func PositionContext(agentID int64, symbol, side string, entryPrice, quantity float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"agent_id":    agentID,
		"symbol":      symbol,
		"side":        side,
		"entry_price": entryPrice,
		"quantity":    quantity,
	}).WithComponent("position")
}

// RiskContext creates a logger context for risk management decisions
func RiskContext(symbol, timeframe string, riskPercent float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":       symbol,
		"timeframe":    timeframe,
		"risk_percent": riskPercent,
	}).WithComponent("risk")
}

// ExchangeContext creates a logger context for exchange adapter calls
func ExchangeContext(mode, endpoint string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"mode":     mode,
		"endpoint": endpoint,
	}).WithComponent("exchange")
}

// OrchestratorContext creates a logger context for orchestrator cycle runs
func OrchestratorContext(traceID string, activeAgents int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"trace_id":      traceID,
		"active_agents": activeAgents,
	}).WithComponent("orchestrator")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// WebSocketContext creates a logger context for WebSocket operations
func WebSocketContext(symbol, stream string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol": symbol,
		"stream": stream,
	}).WithComponent("websocket")
}

// StoreContext creates a logger context for persistence operations
func StoreContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("store")
}

// HTTPMiddleware is a middleware that adds logging to HTTP requests
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := Default().WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		}).WithComponent("http")

		ctx := NewContext(r.Context(), l)
		r = r.WithContext(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		l.WithDuration(duration).WithField("status_code", wrapped.statusCode).Info("request completed")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
