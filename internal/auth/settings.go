package auth

import (
	"encoding/json"
	"fmt"
)

// FeatureFlags are the per-tenant switches the portals read.
type FeatureFlags struct {
	LeadCapture        bool `json:"leadCapture"`
	UnderwritingQueues bool `json:"underwritingQueues"`
	DocumentUploads    bool `json:"documentUploads"`
	ESignature         bool `json:"eSignature"`
	CreditPull         bool `json:"creditPull"`
}

// Branding customises the tenant's portals.
type Branding struct {
	DisplayName  string `json:"displayName,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
	LogoURL      string `json:"logoUrl,omitempty"`
	SupportEmail string `json:"supportEmail,omitempty"`
}

// OrganizationSettings holds typed known settings. Unknown top-level keys
// are kept in Extra and written back unchanged.
type OrganizationSettings struct {
	Features FeatureFlags
	Branding Branding
	Extra    map[string]json.RawMessage
}

// DefaultSettings is applied to new organizations.
func DefaultSettings() OrganizationSettings {
	return OrganizationSettings{
		Features: FeatureFlags{LeadCapture: true, UnderwritingQueues: true},
	}
}

func (s OrganizationSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	features, err := json.Marshal(s.Features)
	if err != nil {
		return nil, err
	}
	branding, err := json.Marshal(s.Branding)
	if err != nil {
		return nil, err
	}
	out["features"] = features
	out["branding"] = branding
	return json.Marshal(out)
}

func (s *OrganizationSettings) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = OrganizationSettings{}
	for k, v := range raw {
		switch k {
		case "features":
			if err := json.Unmarshal(v, &s.Features); err != nil {
				return fmt.Errorf("settings.features: %w", err)
			}
		case "branding":
			if err := json.Unmarshal(v, &s.Branding); err != nil {
				return fmt.Errorf("settings.branding: %w", err)
			}
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[k] = v
		}
	}
	return nil
}

// Merge applies a partial JSON settings document over s. Keys present in the
// patch replace the stored values field by field.
func (s OrganizationSettings) Merge(patch json.RawMessage) (OrganizationSettings, error) {
	current, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return s, err
	}
	var delta map[string]any
	if err := json.Unmarshal(patch, &delta); err != nil {
		return s, fmt.Errorf("settings patch: %w", err)
	}
	for k, v := range delta {
		sub, isMap := v.(map[string]any)
		existing, hasMap := base[k].(map[string]any)
		if isMap && hasMap {
			for sk, sv := range sub {
				existing[sk] = sv
			}
			continue
		}
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return s, err
	}
	var out OrganizationSettings
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, err
	}
	return out, nil
}
