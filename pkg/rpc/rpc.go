// Package rpc implements the JSON-RPC 2.0 interface for tendril.
//
// Supported methods:
//   - Node: getHealth, getVersion
//   - Programs: loadProgram, assemble, getProgram, listPrograms, deleteProgram
//   - Sessions: createSession, closeSession, listSessions, getSession,
//     snapshotSession
//   - Execution: step, run, reset
//   - Inspection: readMemory, disassemble, getTrace
//
// Parameters are positional. The first element is usually a program or
// session id; a trailing object carries optional settings.
package rpc

// Version is reported by getVersion.
var Version = "0.1.0-dev"
