// Package survey provides the data structures for field-survey records.
package survey

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the delivery state of a record.
type Status string

const (
	// StatusPending marks a record accepted locally but not yet confirmed remotely.
	StatusPending Status = "pending"
	// StatusSynced marks a record the remote system acknowledged.
	StatusSynced Status = "synced"
	// StatusFailed marks a record whose most recent delivery attempt failed.
	StatusFailed Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusSynced, StatusFailed}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// ParseStatus converts user input into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q (must be pending, synced or failed)", v)
	}
	return s, nil
}

// Carriers accepted in Payload.Carriers. "Outras" covers anything else.
var Carriers = []string{"Vivo", "Claro", "TIM", "Oi", "Outras"}

// Payload holds the domain fields of a survey. The sync engine treats it as
// opaque and sends it to the remote system verbatim.
//
// Tags use the column names of the remote pesquisas_sinal table, which
// the local store also uses for the stored payload.
type Payload struct {
	// ===== Household =====
	CitizenName string `json:"nome_cidadao" bson:"nome_cidadao" yaml:"nome_cidadao" toml:"nome_cidadao" validate:"required,max=200"`
	Address     string `json:"endereco" bson:"endereco" yaml:"endereco" toml:"endereco" validate:"required,max=300"`
	Locality    string `json:"localidade" bson:"localidade" yaml:"localidade" toml:"localidade" validate:"required,max=200"`

	// ===== Signal =====
	HasSignal       bool     `json:"tem_sinal" bson:"tem_sinal" yaml:"tem_sinal" toml:"tem_sinal"`
	Carriers        []string `json:"operadoras" bson:"operadoras" yaml:"operadoras" toml:"operadoras" validate:"dive,oneof=Vivo Claro TIM Oi Outras"`
	NeedsRelocation bool     `json:"precisa_deslocar" bson:"precisa_deslocar" yaml:"precisa_deslocar" toml:"precisa_deslocar"`

	// ===== Other land =====
	OwnsOtherLand      bool    `json:"possui_outro_terreno" bson:"possui_outro_terreno" yaml:"possui_outro_terreno" toml:"possui_outro_terreno"`
	LandInMunicipality *bool   `json:"terreno_no_municipio,omitempty" bson:"terreno_no_municipio,omitempty" yaml:"terreno_no_municipio,omitempty" toml:"terreno_no_municipio,omitempty"`
	SignalOnOtherLand  *bool   `json:"sinal_no_outro_terreno,omitempty" bson:"sinal_no_outro_terreno,omitempty" yaml:"sinal_no_outro_terreno,omitempty" toml:"sinal_no_outro_terreno,omitempty"`
	LocalityAddress    *string `json:"endereco_da_localidade,omitempty" bson:"endereco_da_localidade,omitempty" yaml:"endereco_da_localidade,omitempty" toml:"endereco_da_localidade,omitempty" validate:"omitempty,max=300"`

	// ===== Position & agent =====
	Latitude  *float64 `json:"latitude" bson:"latitude" yaml:"latitude,omitempty" toml:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude *float64 `json:"longitude" bson:"longitude" yaml:"longitude,omitempty" toml:"longitude,omitempty" validate:"omitempty,longitude"`
	AgentName *string  `json:"agente_nome" bson:"agente_nome" yaml:"agente_nome,omitempty" toml:"agente_nome,omitempty" validate:"omitempty,max=200"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the payload the same way the data-entry form does.
func (p *Payload) Validate() error {
	if err := payloadValidator().Struct(p); err != nil {
		return fmt.Errorf("invalid survey: %w", err)
	}
	if p.HasSignal && len(p.Carriers) == 0 {
		return fmt.Errorf("invalid survey: at least one carrier is required when the household has signal")
	}
	if !p.HasSignal && len(p.Carriers) > 0 {
		return fmt.Errorf("invalid survey: carriers given but the household has no signal")
	}
	if (p.Latitude == nil) != (p.Longitude == nil) {
		return fmt.Errorf("invalid survey: latitude and longitude must be given together")
	}
	return nil
}

// Normalize trims text fields, drops duplicate carriers and clears carriers
// when there is no signal.
func (p *Payload) Normalize() {
	p.CitizenName = strings.TrimSpace(p.CitizenName)
	p.Address = strings.TrimSpace(p.Address)
	p.Locality = strings.TrimSpace(p.Locality)

	if !p.HasSignal {
		p.Carriers = []string{}
	} else {
		seen := make([]string, 0, len(p.Carriers))
		for _, c := range p.Carriers {
			c = strings.TrimSpace(c)
			if c != "" && !slices.Contains(seen, c) {
				seen = append(seen, c)
			}
		}
		p.Carriers = seen
	}

	if p.AgentName != nil {
		name := strings.TrimSpace(*p.AgentName)
		if name == "" {
			p.AgentName = nil
		} else {
			p.AgentName = &name
		}
	}
	if p.LocalityAddress != nil {
		addr := strings.TrimSpace(*p.LocalityAddress)
		if addr == "" {
			p.LocalityAddress = nil
		} else {
			p.LocalityAddress = &addr
		}
	}
	if !p.OwnsOtherLand {
		p.LandInMunicipality = nil
		p.SignalOnOtherLand = nil
	}
}

// Record is a survey as stored on the device.
type Record struct {
	// ===== Identity =====
	LocalID  int64  `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`

	// ===== Content =====
	Payload Payload `json:"payload"`

	// PayloadError is set when the stored payload could not be decoded.
	// Such a record cannot be submitted and is failed by the next pass.
	PayloadError string `json:"payload_error,omitempty"`

	// ===== Delivery =====
	Status    Status    `json:"sync_status"`
	CreatedAt time.Time `json:"created_at"`

	// Attempt bookkeeping, additive to the three-state status.
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Delivered reports whether the remote system acknowledged the record.
func (r *Record) Delivered() bool {
	return r.Status == StatusSynced
}
