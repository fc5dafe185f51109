package service

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/progress"
)

var validate = validator.New()

// CreateInput describes a new challenge.
type CreateInput struct {
	CreatorID     string               `json:"creator_id" validate:"required,max=128"`
	Mode          domain.ChallengeMode `json:"mode" validate:"required,oneof=solo duo"`
	PartnerID     string               `json:"partner_id" validate:"required_if=Mode duo,max=128"`
	Slot          domain.Slot          `json:"slot" validate:"omitempty,oneof=solo p1 p2"`
	Goal          domain.Goal          `json:"goal"`
	ActivityTypes []string             `json:"activity_types" validate:"max=10"`
	Stake         int64                `json:"stake" validate:"gte=0,lte=100000"`
	Scheme        string               `json:"scheme" validate:"omitempty,oneof=simple progression"`
	Recurring     bool                 `json:"recurring"`
	WeeksCount    int                  `json:"weeks_count" validate:"gte=0,lte=520"`
}

// UpdateInput changes the terms of a pending challenge. Nil fields are left
// unchanged.
type UpdateInput struct {
	Goal          *domain.Goal `json:"goal"`
	ActivityTypes *[]string    `json:"activity_types" validate:"omitempty,max=10"`
	Stake         *int64       `json:"stake" validate:"omitempty,gt=0,lte=100000"`
	Recurring     *bool        `json:"recurring"`
	WeeksCount    *int         `json:"weeks_count" validate:"omitempty,gte=0,lte=520"`
}

func (in CreateInput) validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
	}
	if in.Mode == domain.ModeDuo && in.PartnerID == in.CreatorID {
		return domain.ErrSelfInviteForbidden
	}
	if err := in.Goal.Validate(); err != nil {
		return err
	}
	return progress.ValidateActivityTypes(in.ActivityTypes)
}

func (in UpdateInput) validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
	}
	if in.Goal != nil {
		if err := in.Goal.Validate(); err != nil {
			return err
		}
	}
	if in.ActivityTypes != nil {
		return progress.ValidateActivityTypes(*in.ActivityTypes)
	}
	return nil
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, strings.ToLower(strings.TrimSpace(t)))
	}
	return out
}
