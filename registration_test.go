package cloudfilter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/memdriver"
	"github.com/winfsp/go-cloudfilter/status"
)

func TestRegister(t *testing.T) {
	assert := Assert{assert.New(t)}
	drv := memdriver.New()
	reg := cloudfilter.NewRegistrar(drv, nil)
	dir := t.TempDir()
	provider := uuid.New()

	root, err := reg.Register(dir, provider, "Contoso", "",
		cloudfilter.Version("2.1"),
		cloudfilter.WithHydrationPolicy(cloudfilter.HydrationFull),
		cloudfilter.RootIdentity([]byte("tenant")),
		cloudfilter.Account("S-1-5-21", "alice@contoso"))
	if !assert.NoError(err) {
		return
	}
	assert.Equal(cloudfilter.Registered, root.State())
	assert.Equal(provider, root.ProviderID())
	assert.Equal("Contoso!S-1-5-21!alice@contoso", root.ID())

	info, ok := drv.SyncRoot(dir)
	if assert.True(ok) {
		assert.Equal("2.1", info.Version)
		assert.Equal(cloudfilter.HydrationFull, info.HydrationPolicy)
		assert.Equal(cloudfilter.PopulationFull, info.PopulationPolicy)
		assert.Equal(cloudfilter.DefaultIconResource, info.IconResource)
		assert.Equal([]byte("tenant"), info.Identity)
		assert.True(info.AllowPinning)
	}
	assert.Len(reg.Roots(), 1)
}

func TestRegisterRejects(t *testing.T) {
	assert := Assert{assert.New(t)}
	drv := memdriver.New()
	reg := cloudfilter.NewRegistrar(drv, nil)
	dir := t.TempDir()

	_, err := reg.Register(dir, uuid.New(), "Contoso", "")
	assert.NoError(err)

	_, err = reg.Register(dir, uuid.New(), "Contoso", "")
	assert.ErrorIs(err, cloudfilter.ErrAlreadyRegistered)
	assert.Equal(status.ClassRegistration, status.ClassOf(err))

	nested := filepath.Join(dir, "nested")
	assert.NoError(os.Mkdir(nested, 0o755))
	_, err = reg.Register(nested, uuid.New(), "Nested", "")
	assert.ErrorIs(err, cloudfilter.ErrInvalidPath)

	_, err = reg.Register(filepath.Join(dir, "missing"), uuid.New(), "Missing", "")
	assert.ErrorIs(err, cloudfilter.ErrInvalidPath)

	file := filepath.Join(t.TempDir(), "file")
	assert.NoError(os.WriteFile(file, nil, 0o644))
	_, err = reg.Register(file, uuid.New(), "File", "")
	assert.ErrorIs(err, cloudfilter.ErrInvalidPath)

	other := t.TempDir()
	_, err = reg.Register(other, uuid.Nil, "Nil", "")
	assert.ErrorIs(err, cloudfilter.ErrInvalidRequest)
	_, err = reg.Register(other, uuid.New(), "", "")
	assert.ErrorIs(err, cloudfilter.ErrInvalidRequest)

	// Registered by a previous process.
	assert.NoError(drv.RegisterSyncRoot(&cloudfilter.SyncRootInfo{Path: other}))
	_, err = reg.Register(other, uuid.New(), "Other", "")
	assert.ErrorIs(err, cloudfilter.ErrAlreadyRegistered)
	assert.NoError(reg.UnregisterPath(other))
	_, err = reg.Register(other, uuid.New(), "Other", "")
	assert.NoError(err)
}

func TestUnregisterIdempotent(t *testing.T) {
	assert := Assert{assert.New(t)}
	drv := memdriver.New()
	reg := cloudfilter.NewRegistrar(drv, nil)
	dir := t.TempDir()

	root, err := reg.Register(dir, uuid.New(), "Contoso", "")
	if !assert.NoError(err) {
		return
	}
	assert.NoError(reg.Unregister(root))
	assert.Equal(cloudfilter.Unregistered, root.State())
	assert.NoError(reg.Unregister(root))
	assert.NoError(reg.UnregisterPath(dir))
	ok, err := drv.IsSyncRoot(dir)
	assert.NoError(err)
	assert.False(ok)
	assert.Empty(reg.Roots())

	_, err = cloudfilter.Connect(root, newEngine())
	assert.ErrorIs(err, cloudfilter.ErrNotRegistered)
}

func TestUnregisterConnected(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())

	assert.ErrorIs(f.reg.Unregister(f.root), cloudfilter.ErrRootInUse)
	assert.Equal(cloudfilter.Connected, f.root.State())

	assert.NoError(f.session.Disconnect())
	assert.NoError(f.reg.Unregister(f.root))
	assert.NoError(f.reg.Unregister(f.root))
}

func TestConnectErrors(t *testing.T) {
	assert := Assert{assert.New(t)}
	drv := memdriver.New()
	reg := cloudfilter.NewRegistrar(drv, nil)
	root, err := reg.Register(t.TempDir(), uuid.New(), "Contoso", "")
	if !assert.NoError(err) {
		return
	}

	_, err = cloudfilter.Connect(root, nil)
	assert.Error(err)
	_, err = cloudfilter.Connect(root, struct{}{})
	assert.Error(err)
	_, err = cloudfilter.Connect(root, newEngine(),
		cloudfilter.DrainTimeout(2*cloudfilter.MaxDrainTimeout))
	assert.Error(err)
	assert.Equal(cloudfilter.Registered, root.State())

	drv.Unavailable = true
	_, err = cloudfilter.Connect(root, newEngine())
	assert.ErrorIs(err, cloudfilter.ErrDriverUnavailable)
	assert.Equal(status.ClassConnection, status.ClassOf(err))
	assert.Equal(cloudfilter.Registered, root.State())
	drv.Unavailable = false

	session, err := cloudfilter.Connect(root, newEngine())
	if !assert.NoError(err) {
		return
	}
	_, err = cloudfilter.Connect(root, newEngine())
	assert.ErrorIs(err, cloudfilter.ErrAlreadyConnected)
	assert.NoError(session.Disconnect())
	assert.NoError(session.Disconnect())
	assert.Equal(cloudfilter.Registered, root.State())

	// Connecting again after disconnecting is allowed.
	session, err = cloudfilter.Connect(root, newEngine())
	assert.NoError(err)
	assert.NoError(session.Disconnect())
}
