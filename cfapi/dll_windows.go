package cfapi

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/winfsp/go-cloudfilter/status"
)

const cldapiName = "cldapi.dll"

// loadCldapiDLL loads the DLL from the system directory,
// never from the search path of the process.
func loadCldapiDLL() (*syscall.DLL, error) {
	hdll, err := windows.LoadLibraryEx(
		cldapiName, windows.Handle(0),
		windows.LOAD_LIBRARY_SEARCH_SYSTEM32,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "load library %q", cldapiName)
	}
	return &syscall.DLL{
		Name:   cldapiName,
		Handle: syscall.Handle(hdll),
	}, nil
}

// dllProc wraps a syscall.Proc of cldapi.dll, whose
// functions all return an HRESULT.
type dllProc struct {
	name string
	proc *syscall.Proc
}

func (p *dllProc) ensureInitialized() {
	if err := tryLoadCldapi(); err != nil {
		panic(fmt.Sprintf(`
cldapi.dll load failed: %v

If you don't want to panic, you should consider calling
cfapi.Load manually and handle the load error there.
`, err))
	}
	if p.proc == nil {
		panic("dllProc not registered for initialization")
	}
}

// CallHRESULT calls the procedure and converts its HRESULT
// into an error, which status.FromError understands.
func (p *dllProc) CallHRESULT(args ...uintptr) error {
	p.ensureInitialized()
	res1, _, _ := p.proc.Call(args...)
	if err := hresultError(uint32(res1)); err != nil {
		return errors.Wrap(err, p.name)
	}
	return nil
}

const (
	facilityWin32 = 0x80070000
	facilityNTBit = 0x10000000
)

// hresultError converts an HRESULT, the Win32 errors are
// returned as syscall.Errno and the wrapped NTSTATUS as
// status.Code.
func hresultError(hr uint32) error {
	switch {
	case int32(hr) >= 0:
		return nil
	case hr&0xffff0000 == facilityWin32:
		return syscall.Errno(hr & 0xffff)
	case hr&facilityNTBit != 0:
		return status.Code(hr &^ facilityNTBit)
	default:
		return errors.Errorf("HRESULT 0x%08x", hr)
	}
}

var cldapiDLL *syscall.DLL

var dllProcRegistry []*dllProc

// registerProc registers a dllProc to be resolved upon
// loading cldapi.dll.
//
// Must only be called from a init() function.
func registerProc(name string, target *dllProc) {
	target.name = name
	dllProcRegistry = append(dllProcRegistry, target)
}

func initCldapi() error {
	if cldapiDLL == nil {
		dll, err := loadCldapiDLL()
		if err != nil {
			return err
		}
		cldapiDLL = dll
	}
	for _, target := range dllProcRegistry {
		proc, err := cldapiDLL.FindProc(target.name)
		if err != nil {
			return errors.Wrapf(err,
				"cldapi cannot find proc %q", target.name)
		}
		target.proc = proc
	}
	return nil
}

var (
	tryLoadOnce sync.Once
	tryLoadErr  error
)

func tryLoadCldapi() error {
	tryLoadOnce.Do(func() {
		tryLoadErr = initCldapi()
	})
	return tryLoadErr
}

// Load loads cldapi.dll and resolves its symbols, the work
// is done once and the error will be persistent.
func Load() error {
	return tryLoadCldapi()
}

var (
	cfRegisterSyncRoot      dllProc
	cfUnregisterSyncRoot    dllProc
	cfGetSyncRootInfoByPath dllProc
	cfConnectSyncRoot       dllProc
	cfDisconnectSyncRoot    dllProc
	cfExecute               dllProc
	cfConvertToPlaceholder  dllProc
	cfHydratePlaceholder    dllProc
	cfDehydratePlaceholder  dllProc
	cfSetPinState           dllProc
	cfSetInSyncState        dllProc
)

func init() {
	registerProc("CfRegisterSyncRoot", &cfRegisterSyncRoot)
	registerProc("CfUnregisterSyncRoot", &cfUnregisterSyncRoot)
	registerProc("CfGetSyncRootInfoByPath", &cfGetSyncRootInfoByPath)
	registerProc("CfConnectSyncRoot", &cfConnectSyncRoot)
	registerProc("CfDisconnectSyncRoot", &cfDisconnectSyncRoot)
	registerProc("CfExecute", &cfExecute)
	registerProc("CfConvertToPlaceholder", &cfConvertToPlaceholder)
	registerProc("CfHydratePlaceholder", &cfHydratePlaceholder)
	registerProc("CfDehydratePlaceholder", &cfDehydratePlaceholder)
	registerProc("CfSetPinState", &cfSetPinState)
	registerProc("CfSetInSyncState", &cfSetInSyncState)
}
