package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"callrouter/internal/domain"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document used to provision tenants, their call flows
// and phone numbers at startup.
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

type SeedTenant struct {
	ID                 string          `yaml:"id"`
	Name               string          `yaml:"name"`
	Timezone           string          `yaml:"timezone"`
	DefaultFlowVersion int             `yaml:"default_flow_version"`
	HumanQueue         string          `yaml:"human_queue"`
	Policies           []domain.Policy `yaml:"policies"`
	Flows              []SeedFlow      `yaml:"flows"`
	Numbers            []SeedNumber    `yaml:"numbers"`
}

type SeedFlow struct {
	Version        int                 `yaml:"version"`
	Prompt         string              `yaml:"prompt"`
	ConsentPrompt  string              `yaml:"consent_prompt"`
	Hints          []string            `yaml:"hints"`
	TimeoutSeconds int                 `yaml:"timeout_seconds"`
	T1             float64             `yaml:"t1"`
	T2             float64             `yaml:"t2"`
	Keywords       []string            `yaml:"keywords"`
	MaxAttempts    int                 `yaml:"max_attempts"`
	OperatorDigit  string              `yaml:"operator_digit"`
	IntentExamples map[string][]string `yaml:"intent_examples"`
}

type SeedNumber struct {
	E164        string `yaml:"e164"`
	Provider    string `yaml:"provider"`
	FlowVersion int    `yaml:"flow_version"`
	Status      string `yaml:"status"`
}

func LoadSeedFile(path string) (SeedFile, error) {
	var seed SeedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, err
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return seed, nil
}

// ApplySeed upserts tenants and numbers and inserts flow versions that do not
// exist yet. Existing flow versions are never rewritten.
func ApplySeed(db *sql.DB, seed SeedFile) error {
	for _, st := range seed.Tenants {
		if st.ID == "" {
			return fmt.Errorf("seed tenant missing id")
		}
		defaultVersion := st.DefaultFlowVersion
		if defaultVersion == 0 && len(st.Flows) > 0 {
			defaultVersion = st.Flows[0].Version
		}
		tenant := domain.Tenant{
			ID:                 st.ID,
			Name:               st.Name,
			Timezone:           st.Timezone,
			DefaultFlowVersion: defaultVersion,
			HumanQueue:         st.HumanQueue,
			Policies:           st.Policies,
		}
		if tenant.Timezone == "" {
			tenant.Timezone = "UTC"
		}
		if err := UpsertTenant(db, tenant); err != nil {
			return fmt.Errorf("seed tenant %s: %w", st.ID, err)
		}

		for _, sf := range st.Flows {
			flow := sf.toDomain(st.ID)
			inserted, err := InsertFlowVersion(db, flow)
			if err != nil {
				return fmt.Errorf("seed flow %s v%d: %w", st.ID, sf.Version, err)
			}
			if !inserted {
				log.Printf("seed flow exists tenant=%s version=%d, keeping stored copy", st.ID, sf.Version)
			}
		}

		for _, sn := range st.Numbers {
			version := sn.FlowVersion
			if version == 0 {
				version = defaultVersion
			}
			provider := sn.Provider
			if provider == "" {
				provider = "twilio"
			}
			n := domain.PhoneNumber{
				E164:        sn.E164,
				Provider:    provider,
				TenantID:    st.ID,
				FlowVersion: version,
				Status:      sn.Status,
			}
			if err := UpsertPhoneNumber(db, n); err != nil {
				return fmt.Errorf("seed number %s: %w", sn.E164, err)
			}
		}
	}
	return nil
}

func (sf SeedFlow) toDomain(tenantID string) domain.CallFlowVersion {
	flow := domain.CallFlowVersion{
		TenantID:       tenantID,
		Version:        sf.Version,
		Prompt:         sf.Prompt,
		ConsentPrompt:  sf.ConsentPrompt,
		Hints:          sf.Hints,
		TimeoutSeconds: sf.TimeoutSeconds,
		T1:             sf.T1,
		T2:             sf.T2,
		Keywords:       sf.Keywords,
		MaxAttempts:    sf.MaxAttempts,
		OperatorDigit:  sf.OperatorDigit,
		IntentExamples: sf.IntentExamples,
	}
	if flow.TimeoutSeconds <= 0 {
		flow.TimeoutSeconds = 3
	}
	if flow.MaxAttempts <= 0 {
		flow.MaxAttempts = 3
	}
	if flow.OperatorDigit == "" {
		flow.OperatorDigit = "0"
	}
	return flow
}
