package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/profile"
	"bay.dev/bay/store"
)

func multiProfile(t *testing.T) *profile.Profile {
	t.Helper()

	p := &profile.Profile{
		ID: "multi",
		Containers: []profile.Container{
			{
				Name:         "ship",
				Image:        "bay/ship:latest",
				Capabilities: []string{"python", "shell", "filesystem"},
			},
			{
				Name:         "browser",
				Image:        "bay/browser:latest",
				RuntimeType:  "browser",
				Capabilities: []string{"python", "browser"},
				PrimaryFor:   []string{"python"},
			},
		},
	}
	p.Normalize()
	require.NoError(t, p.Validate())
	return p
}

func readySession() *store.Session {
	return &store.Session{
		ID:            "ses-1",
		ObservedState: store.SessionRunning,
		ContainerID:   "ctr-1",
		Endpoint:      "http://10.0.0.2:8123",
		Containers: []store.SessionContainer{
			{Name: "ship", ContainerID: "ctr-1", Status: store.SessionRunning,
				Endpoint: "http://10.0.0.2:8123"},
			{Name: "browser", ContainerID: "ctr-2", Status: store.SessionRunning,
				Endpoint: "http://10.0.0.3:9222"},
		},
	}
}

func TestPrimaryForBeatsDeclarationOrder(t *testing.T) {
	r := require.New(t)

	// Both containers declare python; browser claims it via primary_for.
	ep, err := Endpoint(readySession(), multiProfile(t), "python")
	r.NoError(err)
	r.Equal("http://10.0.0.3:9222", ep)

	// shell is only on ship.
	ep, err = Endpoint(readySession(), multiProfile(t), "shell")
	r.NoError(err)
	r.Equal("http://10.0.0.2:8123", ep)
}

func TestUnsupportedCapabilityListsAvailable(t *testing.T) {
	_, err := Endpoint(readySession(), multiProfile(t), "gpu")
	require.Error(t, err)

	var be *bayerr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bayerr.CodeCapabilityNotSupported, be.Code)
	assert.ElementsMatch(t,
		[]string{"browser", "filesystem", "python", "shell"},
		be.Details["available"])
}

func TestSupportedRejectsBeforeCompute(t *testing.T) {
	prof := multiProfile(t)

	require.NoError(t, Supported(prof, "browser"))

	err := Supported(prof, "gpu")
	require.Error(t, err)
	assert.Equal(t, bayerr.CodeCapabilityNotSupported, bayerr.GetCode(err))
}

func TestNotReadySession(t *testing.T) {
	sess := readySession()
	sess.ObservedState = store.SessionStarting

	_, err := Endpoint(sess, multiProfile(t), "python")
	require.Error(t, err)
	assert.True(t, bayerr.IsNotReady(err))
}

func TestSingleContainerUsesTopLevelEndpoint(t *testing.T) {
	r := require.New(t)

	p := &profile.Profile{
		ID:           "single",
		Image:        "bay/ship:latest",
		Capabilities: []string{"python"},
	}
	p.Normalize()
	r.NoError(p.Validate())

	sess := &store.Session{
		ID:            "ses-2",
		ObservedState: store.SessionRunning,
		ContainerID:   "ctr-9",
		Endpoint:      "http://10.0.0.9:8123",
	}

	ep, err := Endpoint(sess, p, "python")
	r.NoError(err)
	r.Equal("http://10.0.0.9:8123", ep)
}
