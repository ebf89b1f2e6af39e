package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNoPhoneNumber is returned by a PhoneDirectory that has no number on file.
var ErrNoPhoneNumber = errors.New("no phone number on file")

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PhoneDirectory resolves a patient id to a phone number.
type PhoneDirectory interface {
	PhoneNumber(ctx context.Context, patientID string) (string, error)
}

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioSMSSender sends SMS through the Twilio Messages API.
type TwilioSMSSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSMSSender(cfg TwilioConfig) (*TwilioSMSSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio credentials not configured")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio sender number not configured")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSSender{client: client, from: cfg.FromNumber}, nil
}

// SendSMS sends body to the given number. The Twilio client does not take a
// context; ctx is only checked before the request is made.
func (s *TwilioSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	return nil
}

// SMSSink texts patients about their own visit. Events addressed to anything
// other than a patient destination are ignored, as are patients without a
// number on file.
type SMSSink struct {
	sender    SMSSender
	directory PhoneDirectory
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewSMSSink(sender SMSSender, directory PhoneDirectory, templates *TemplateEngine, logger zerolog.Logger) *SMSSink {
	return &SMSSink{
		sender:    sender,
		directory: directory,
		templates: templates,
		logger:    logger.With().Str("sink", "sms").Logger(),
	}
}

func (s *SMSSink) Deliver(ctx context.Context, ev Event) error {
	if !strings.HasPrefix(ev.Destination, "patient:") || ev.PatientID == "" {
		return nil
	}

	to, err := s.directory.PhoneNumber(ctx, ev.PatientID)
	if errors.Is(err, ErrNoPhoneNumber) {
		s.logger.Debug().Str("patient_id", ev.PatientID).Msg("no phone number, sms skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup phone number: %w", err)
	}

	_, body, err := s.templates.Render(TemplatePatientSMS, TemplateData(ev))
	if err != nil {
		return err
	}
	return s.sender.SendSMS(ctx, to, body)
}
