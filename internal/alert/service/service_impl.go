package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultRepeatWindow = 15 * time.Minute
	postTimeout         = 5 * time.Second
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
	Slack slack.Provider
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	slack   slack.Provider
	channel string
	window  time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("alert.service"),
		clock:    p.Clock,
		slack:    p.Slack,
		channel:  p.Cfg.Alert.SlackChannel,
		window:   defaultRepeatWindow,
		lastSent: make(map[string]time.Time),
	}
}

func (s *Service) Raise(ctx context.Context, alert domain.Alert) error {
	if alert.At.IsZero() {
		alert.At = s.clock.Now()
	}
	if alert.Severity == "" {
		alert.Severity = domain.SeverityWarning
	}

	fields := []zap.Field{
		zap.String("alert_key", alert.Key),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
	}
	for k, v := range alert.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if alert.Severity == domain.SeverityCritical {
		s.log.Error(alert.Message, fields...)
	} else {
		s.log.Warn(alert.Message, fields...)
	}

	if !s.shouldSend(alert) {
		return nil
	}

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postTimeout)
	defer cancel()
	if err := s.slack.PostMessage(postCtx, s.channel, format(alert)); err != nil {
		s.log.Warn("alert delivery failed", zap.String("alert_key", alert.Key), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) shouldSend(alert domain.Alert) bool {
	if alert.Key == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[alert.Key]; ok && alert.At.Sub(last) < s.window {
		return false
	}
	s.lastSent[alert.Key] = alert.At
	return true
}

func format(alert domain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", strings.ToUpper(string(alert.Severity)), alert.Title, alert.Message)

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %s", k, alert.Fields[k])
	}
	return b.String()
}

var _ domain.Service = (*Service)(nil)
