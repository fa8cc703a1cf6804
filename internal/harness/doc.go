// Package harness runs YAML cart scenarios against a real engine and
// compares the resulting event trace with golden files.
//
// Every scenario gets a fresh engine backed by an in-process ledger, a
// stepping clock and sequential action and booking ids, so traces are
// byte-identical across runs.
//
// Scenario layout:
//
//	name: availability_conflict
//	description: one unit is already booked, nothing is submitted
//	ambient: {start: 2024-06-01T00:00:00Z, end: 2024-06-03T00:00:00Z}
//	stock: {default: 5}
//	bookings:
//	  - {catalogId: cam-1, serialNumber: SN2}
//	steps:
//	  - op: add
//	    item: {catalogId: cam-1, displayName: Camera, serialNumber: SN2}
//	  - op: checkout
//	    clientId: client-7
//	    expect: {status: Failed, reason: Conflict, failedKeys: ["cam-1:SN2"]}
//	assertions:
//	  - type: final_items
//	    items: {"cam-1:SN2": 1}
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
package harness
