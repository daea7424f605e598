// Package cfapi implements cloudfilter.Driver with the
// cloud files API exported by cldapi.dll.
//
// The DLL is loaded lazily upon the first call, call Load
// to report a loading failure early. On platforms other
// than Windows, New always fails with ProviderNotRunning.
//
// Only the registration recorded by the filter itself is
// performed by RegisterSyncRoot. The shell integration of
// a sync root, such as its icon, recycle bin and pinning
// menu, lives in the storage provider registry of the
// shell and is out of the reach of this package.
package cfapi
