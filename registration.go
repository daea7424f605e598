package cloudfilter

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/winfsp/go-cloudfilter/log"
	"github.com/winfsp/go-cloudfilter/status"
)

const (
	// DefaultIconResource is the icon of a sync root when
	// none is specified.
	DefaultIconResource = `C:\Windows\System32\imageres.dll,1525`

	// MaxVersionLength is the longest provider version.
	MaxVersionLength = 255

	// MaxRootIdentityLength is the largest sync root
	// identity blob.
	MaxRootIdentityLength = 65536
)

// RegistrationState is the state of a sync root.
type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registered
	Connected
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Registered:
		return "Registered"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// SyncRoot is a directory registered as a sync root.
type SyncRoot struct {
	registrar *Registrar
	info      SyncRootInfo

	mtx   sync.Mutex
	state RegistrationState
}

// Path returns the directory of the sync root.
func (r *SyncRoot) Path() string {
	return r.info.Path
}

// ID returns the sync root id, in the form of
// "provider!sid!account".
func (r *SyncRoot) ID() string {
	return r.info.ID
}

// ProviderID returns the identity of the provider.
func (r *SyncRoot) ProviderID() uuid.UUID {
	return r.info.ProviderID
}

// DisplayName returns the name rendered by the shell.
func (r *SyncRoot) DisplayName() string {
	return r.info.DisplayName
}

// Version returns the provider version.
func (r *SyncRoot) Version() string {
	return r.info.Version
}

// Info returns a copy of the registration record.
func (r *SyncRoot) Info() SyncRootInfo {
	info := r.info
	info.Identity = append([]byte(nil), r.info.Identity...)
	return info
}

// State returns the registration state.
func (r *SyncRoot) State() RegistrationState {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state
}

// transition moves the state from one to another, it is
// used by the session to mark the root connected.
func (r *SyncRoot) transition(from, to RegistrationState) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state == from {
		r.state = to
		return nil
	}
	switch r.state {
	case Unregistered:
		return errors.Wrapf(ErrNotRegistered, "sync root %q", r.info.Path)
	case Connected:
		return errors.Wrapf(ErrAlreadyConnected, "sync root %q", r.info.Path)
	default:
		return errors.Errorf("sync root %q is %s, not %s",
			r.info.Path, r.state, from)
	}
}

type registerOption struct {
	version        string
	hydration      HydrationPolicy
	population     PopulationPolicy
	allowPinning   bool
	allowHardlinks bool
	group          bool
	identity       []byte
	recycleBinURI  string
	securityID     string
	account        string
}

func newRegisterOption() *registerOption {
	return &registerOption{
		version:      "1.0.0",
		hydration:    HydrationProgressive,
		population:   PopulationFull,
		allowPinning: true,
		account:      "default",
	}
}

// RegisterOption tunes the registration of a sync root.
type RegisterOption func(*registerOption)

// Version sets the provider version.
func Version(version string) RegisterOption {
	return func(o *registerOption) {
		o.version = version
	}
}

// WithHydrationPolicy sets the hydration policy.
func WithHydrationPolicy(policy HydrationPolicy) RegisterOption {
	return func(o *registerOption) {
		o.hydration = policy
	}
}

// WithPopulationPolicy sets the population policy.
func WithPopulationPolicy(policy PopulationPolicy) RegisterOption {
	return func(o *registerOption) {
		o.population = policy
	}
}

// AllowPinning controls whether the user may pin files.
func AllowPinning(allow bool) RegisterOption {
	return func(o *registerOption) {
		o.allowPinning = allow
	}
}

// AllowHardlinks controls whether placeholders may have
// hard links.
func AllowHardlinks(allow bool) RegisterOption {
	return func(o *registerOption) {
		o.allowHardlinks = allow
	}
}

// ShowSiblingsAsGroup groups the sync roots of the same
// provider in the navigation pane of the shell.
func ShowSiblingsAsGroup() RegisterOption {
	return func(o *registerOption) {
		o.group = true
	}
}

// RootIdentity attaches an opaque blob to the sync root.
func RootIdentity(identity []byte) RegisterOption {
	return func(o *registerOption) {
		o.identity = append([]byte(nil), identity...)
	}
}

// RecycleBinURI sets where the shell sends the user for
// recovering deleted files.
func RecycleBinURI(uri string) RegisterOption {
	return func(o *registerOption) {
		o.recycleBinURI = uri
	}
}

// Account sets the security id and account name in the
// sync root id, the security id defaults to the current
// user's.
func Account(securityID, account string) RegisterOption {
	return func(o *registerOption) {
		o.securityID = securityID
		o.account = account
	}
}

// RegisterOptions aggregates the options into one.
func RegisterOptions(opts ...RegisterOption) RegisterOption {
	return func(o *registerOption) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// Registrar registers directories as sync roots.
//
// It is the only component writing to the registry of
// sync roots, and it owns the SyncRoot objects.
type Registrar struct {
	driver Driver
	log    log.Log

	mtx   sync.Mutex
	roots map[string]*SyncRoot
}

// NewRegistrar creates a registrar on the driver.
func NewRegistrar(driver Driver, l log.Log) *Registrar {
	return &Registrar{
		driver: driver,
		log:    log.OrNoLog(l),
		roots:  make(map[string]*SyncRoot),
	}
}

// cleanRootPath resolves the root path and checks it is an
// existing local directory.
func cleanRootPath(rootPath string) (string, error) {
	if rootPath == "" {
		return "", errors.Wrap(ErrInvalidPath, "empty path")
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidPath, "resolve %q: %v", rootPath, err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrPermission):
		return "", errors.Wrapf(ErrPermissionDenied, "stat %q", abs)
	case err != nil:
		return "", errors.Wrapf(ErrInvalidPath, "stat %q: %v", abs, err)
	case !info.IsDir():
		return "", errors.Wrapf(ErrInvalidPath, "%q is not a directory", abs)
	}
	return abs, nil
}

func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func currentSecurityID() string {
	if u, err := user.Current(); err == nil && u.Uid != "" {
		return u.Uid
	}
	return "S-1-0-0"
}

// syncRootID builds the "provider!sid!account" identity.
func syncRootID(provider, securityID, account string) string {
	sanitize := func(s string) string {
		return strings.ReplaceAll(s, "!", "_")
	}
	return sanitize(provider) + "!" + sanitize(securityID) +
		"!" + sanitize(account)
}

// Register records the directory as a sync root of the
// provider. An empty icon reference takes the default.
func (r *Registrar) Register(
	rootPath string, providerID uuid.UUID,
	displayName, iconRef string, opts ...RegisterOption,
) (*SyncRoot, error) {
	option := newRegisterOption()
	RegisterOptions(opts...)(option)
	path, err := cleanRootPath(rootPath)
	if err != nil {
		return nil, err
	}
	if providerID == uuid.Nil {
		return nil, errors.Wrap(ErrInvalidRequest, "nil provider id")
	}
	if displayName == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "empty display name")
	}
	if len(option.version) > MaxVersionLength {
		return nil, errors.Wrapf(ErrInvalidRequest,
			"version longer than %d", MaxVersionLength)
	}
	if len(option.identity) > MaxRootIdentityLength {
		return nil, errors.Wrapf(ErrInvalidRequest,
			"identity larger than %d", MaxRootIdentityLength)
	}
	if iconRef == "" {
		iconRef = DefaultIconResource
	}
	if option.securityID == "" {
		option.securityID = currentSecurityID()
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	key := pathKey(path)
	if _, ok := r.roots[key]; ok {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "sync root %q", path)
	}
	for other, root := range r.roots {
		if nested(other, key) || nested(key, other) {
			return nil, errors.Wrapf(ErrInvalidPath,
				"%q nests with sync root %q", path, root.Path())
		}
	}
	registered, err := r.driver.IsSyncRoot(path)
	if err != nil {
		return nil, registrationError(err, path)
	}
	if registered {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "sync root %q", path)
	}

	root := &SyncRoot{
		registrar: r,
		state:     Registered,
		info: SyncRootInfo{
			Path:                path,
			ID:                  syncRootID(displayName, option.securityID, option.account),
			ProviderID:          providerID,
			DisplayName:         displayName,
			Version:             option.version,
			IconResource:        iconRef,
			Identity:            option.identity,
			HydrationPolicy:     option.hydration,
			PopulationPolicy:    option.population,
			AllowPinning:        option.allowPinning,
			AllowHardlinks:      option.allowHardlinks,
			ShowSiblingsAsGroup: option.group,
			RecycleBinURI:       option.recycleBinURI,
		},
	}
	info := root.info
	if err := r.driver.RegisterSyncRoot(&info); err != nil {
		return nil, registrationError(err, path)
	}
	r.roots[key] = root
	r.log.Logf(log.TopicVerdict, "registered sync root %q as %q",
		path, root.info.ID)
	return root, nil
}

// registrationError classifies an error of the registry.
func registrationError(err error, path string) error {
	if status.ClassOf(err) == status.ClassRegistration {
		return errors.Wrapf(err, "sync root %q", path)
	}
	switch status.FromError(err) {
	case status.AccessDenied:
		return errors.Wrapf(ErrPermissionDenied, "sync root %q: %v", path, err)
	case status.InUse:
		return errors.Wrapf(ErrAlreadyRegistered, "sync root %q: %v", path, err)
	case status.NotUnderSyncRoot:
		return errors.Wrapf(ErrInvalidPath, "sync root %q: %v", path, err)
	}
	return errors.Wrapf(err, "register sync root %q", path)
}

// Unregister removes the sync root from the registry.
//
// Unregistering an unregistered root is a no-op, while a
// connected root must be disconnected first.
func (r *Registrar) Unregister(root *SyncRoot) error {
	root.mtx.Lock()
	defer root.mtx.Unlock()
	switch root.state {
	case Unregistered:
		return nil
	case Connected:
		return errors.Wrapf(ErrRootInUse, "sync root %q", root.info.Path)
	}
	if err := r.unregisterPath(root.info.Path); err != nil {
		return err
	}
	root.state = Unregistered
	r.mtx.Lock()
	delete(r.roots, pathKey(root.info.Path))
	r.mtx.Unlock()
	r.log.Logf(log.TopicVerdict, "unregistered sync root %q", root.info.Path)
	return nil
}

// UnregisterPath removes a sync root by path, it is meant
// for cleaning up roots registered by a previous process.
func (r *Registrar) UnregisterPath(rootPath string) error {
	path, err := filepath.Abs(rootPath)
	if err != nil {
		return errors.Wrapf(ErrInvalidPath, "resolve %q: %v", rootPath, err)
	}
	r.mtx.Lock()
	root, ok := r.roots[pathKey(path)]
	r.mtx.Unlock()
	if ok {
		return r.Unregister(root)
	}
	registered, err := r.driver.IsSyncRoot(path)
	if err != nil {
		return registrationError(err, path)
	}
	if !registered {
		return nil
	}
	return r.unregisterPath(path)
}

func (r *Registrar) unregisterPath(path string) error {
	err := r.driver.UnregisterSyncRoot(path)
	if err != nil && status.FromError(err) != status.NotACloudSyncRoot {
		return registrationError(err, path)
	}
	return nil
}

// Lookup returns the registered sync root at path.
func (r *Registrar) Lookup(rootPath string) (*SyncRoot, bool) {
	path, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, false
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	root, ok := r.roots[pathKey(path)]
	return root, ok
}

// Roots lists the registered sync roots sorted by path.
func (r *Registrar) Roots() []*SyncRoot {
	r.mtx.Lock()
	result := make([]*SyncRoot, 0, len(r.roots))
	for _, root := range r.roots {
		result = append(result, root)
	}
	r.mtx.Unlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path() < result[j].Path()
	})
	return result
}
