package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/tools/timeparser"
	"go.uber.org/zap"
)

// RegisterInput is the registration form
type RegisterInput struct {
	Username     string
	MeterID      string
	DwellingType string
	Region       string
	Area         string
}

// Register creates a new account with an empty reading sequence
func (p *Portal) Register(ctx context.Context, in RegisterInput) error {
	username := strings.TrimSpace(in.Username)
	meterID := strings.TrimSpace(in.MeterID)
	if username == "" || meterID == "" {
		return newError(ErrValidation, "Please fill all required fields!")
	}

	p.mu.Lock()
	if _, exists := p.records[meterID]; exists {
		p.mu.Unlock()
		return newError(ErrConflict, "Meter ID already exists!")
	}

	now := p.clock.Now()
	acc := &store.Account{
		Username:            username,
		DwellingType:        in.DwellingType,
		Region:              in.Region,
		Area:                in.Area,
		MeterReadings:       []store.Reading{},
		NextMeterUpdateTime: timeparser.FormatReadingTime(now),
	}
	p.records[meterID] = acc
	if err := p.live.Save(p.records); err != nil {
		delete(p.records, meterID)
		p.mu.Unlock()
		return fmt.Errorf("failed to persist registration: %w", err)
	}
	p.record(fmt.Sprintf("User registered: %s, Meter ID: %s", username, meterID))
	p.mu.Unlock()

	p.logger.Info("meter registered", zap.String("meter_id", meterID))

	f := &followUp{}
	f.publish(RoutingKeyRegistered, MeterRegisteredEvent{
		EventID:      uuid.NewString(),
		MeterID:      meterID,
		Username:     username,
		DwellingType: in.DwellingType,
		Region:       in.Region,
		Area:         in.Area,
		RegisteredAt: now,
	})
	p.finish(ctx, f)
	return nil
}
