package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"donation-service/internal/config"
	"donation-service/internal/logcontext"
	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"
)

const serviceName = "donation-service"

// ContextHandler adds the attributes stored by logcontext.AppendCtx to every
// record.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(logcontext.Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func GetLogger(cfg config.Logs) *slog.Logger {
	if cfg.URL == "" {
		return localLogger(os.Stdout)
	}

	return remoteLogger(cfg.URL)
}

func localLogger(w io.Writer) *slog.Logger {
	return slog.New(ContextHandler{Handler: slog.NewJSONHandler(w, nil)}).With("service", serviceName)
}

func remoteLogger(url string) *slog.Logger {
	lokiConfig, err := loki.NewDefaultConfig(url)
	if err != nil {
		return localLogger(os.Stdout)
	}
	client, err := loki.New(lokiConfig)
	if err != nil {
		return localLogger(os.Stdout)
	}

	return slog.New(slogloki.Option{
		Level:  slog.LevelInfo,
		Client: client,
		AttrFromContext: []func(ctx context.Context) []slog.Attr{
			logcontext.Attrs,
		},
	}.NewLokiHandler()).With("service", serviceName)
}
