package usecase

import (
	"errors"
	"strings"

	"vidbatch/internal/domain"
)

var ErrNoCredential = errors.New("no video API credential configured: set VIDEO_API_KEY, videoSettings.apiKey, or add a kie.ai key to the key library")

// platformAliases are the key library platform names accepted for the video
// provider, compared case-insensitively.
var platformAliases = []string{"kie", "kie.ai", "kieai", "kie ai", "veo", "veo3"}

const (
	ProvenanceOverride = "override"
	ProvenanceSettings = "videoSettings.apiKey"
	ProvenanceLibrary  = "keyLibrary"
)

type Credential struct {
	Secret     string
	Provenance string
}

// ResolveCredential picks the override, then the configured video key, then
// the first matching key library entry.
func ResolveCredential(override string, app domain.AppData) (Credential, error) {
	if s := strings.TrimSpace(override); s != "" {
		return Credential{Secret: s, Provenance: ProvenanceOverride}, nil
	}
	if s := strings.TrimSpace(app.VideoSettings.APIKey); s != "" {
		return Credential{Secret: s, Provenance: ProvenanceSettings}, nil
	}
	for _, k := range app.KeyLibrary {
		s := strings.TrimSpace(k.Key)
		if s == "" || !isProviderPlatform(k.Platform) {
			continue
		}
		return Credential{Secret: s, Provenance: ProvenanceLibrary + ":" + k.Name}, nil
	}
	return Credential{}, ErrNoCredential
}

func isProviderPlatform(platform string) bool {
	p := strings.ToLower(strings.TrimSpace(platform))
	for _, a := range platformAliases {
		if p == a {
			return true
		}
	}
	return false
}
