// Package cloudfilter is a runtime for sync engines backed
// by the Windows cloud files filter driver.
//
// A sync engine registers a directory as a sync root with
// a Registrar, then connects it with Connect, handing in a
// Handler implementing the Behaviour* interfaces it cares
// about. The files under the sync root are placeholders,
// whose content the driver asks the handler for when they
// are accessed.
//
// The driver is abstracted by the Driver interface, the
// cfapi subpackage implements it with cldapi.dll, and the
// memdriver subpackage simulates it in memory.
//
// Every driver request is served through an
// OperationContext, which is completed exactly once, either
// by the handler, or by the runtime on a handler fault or
// when disconnecting. The placeholders are recorded in a
// Store, optionally persisted by a Backend such as the one
// of the badgerstore subpackage.
package cloudfilter
