package route

import (
	"bay.dev/bay/bayerr"
	"bay.dev/bay/profile"
	"bay.dev/bay/store"
)

// Endpoint resolves which container endpoint serves capability c for
// the given session. The profile decides the container (primary_for
// beats declaration order); the session supplies where that container
// actually is. Enforcement happens before any compute exists, so a
// session may be nil when the caller only validates the capability.
func Endpoint(sess *store.Session, prof *profile.Profile, capability string) (string, error) {
	c, ok := prof.ContainerForCapability(capability)
	if !ok {
		return "", bayerr.CapabilityNotSupported(capability, prof.AllCapabilities())
	}

	if sess == nil || !sess.Ready() {
		return "", bayerr.NotReady(sessionID(sess), 0)
	}

	// Single-container sessions only have the top-level endpoint.
	if len(sess.Containers) == 0 {
		return sess.Endpoint, nil
	}

	for i := range sess.Containers {
		if sess.Containers[i].Name == c.Name {
			return sess.Containers[i].Endpoint, nil
		}
	}
	return "", bayerr.Internal(nil, "session %s has no container %q for capability %q",
		sess.ID, c.Name, capability)
}

// Supported reports whether the profile declares capability c at all.
// The sandbox manager calls this before provisioning anything.
func Supported(prof *profile.Profile, capability string) error {
	if _, ok := prof.ContainerForCapability(capability); !ok {
		return bayerr.CapabilityNotSupported(capability, prof.AllCapabilities())
	}
	return nil
}

func sessionID(sess *store.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
