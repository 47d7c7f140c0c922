// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package forge is a Go client for the Forge quantum computing service.
//
// Every remote operation follows the same lifecycle: arguments are encoded
// to JSON, posted to <host>/<endpoint> together with the effective call
// context, and the returned call token is polled at <host>/api_calls until
// the call leaves the new and open states. A successful result is fetched
// (inline, or from a secondary result_url) and decoded into Go values.
//
// # Endpoints
//
// Each remote method is an [Endpoint] with a typed parameter struct and
// result type. Four invocation modes share one argument-encoding step:
//
//   - [Endpoint.Call]: submit, wait, decode.
//   - [Endpoint.Submit]: submit and return the call token.
//   - [Endpoint.CallAsync]: submit on a goroutine and keep waiting through
//     client timeouts; the returned [Future] is cancelled with its context
//     or [Future.Cancel].
//   - [Endpoint.Retrieve] and [RetrieveResult]: wait for a known token.
//
// Parameters are declared as structs annotated with `forge` struct tags:
//
//	`forge:"wire_name[,default=VALUE]"`
//
// A default fills the argument when the field holds its zero value.
//
// # Call context
//
// Host, credentials, timeouts, scheduling mode and environment tags are
// resolved per call from a layered stack: defaults and QCWARE_* environment
// variables at the root, then layers pushed with [PushContext], then
// task-local layers attached to a context.Context with [WithContext] or
// [Scoped]. Fields left nil in a layer do not override lower layers.
//
//	ctx = forge.WithContext(ctx, forge.CallContext{ClientTimeout: forge.Ptr(5)})
//	out, err := forge.Echo.Call(ctx, forge.EchoParams{Text: "hi"})
//
// # Wire format
//
// Values outside JSON's vocabulary travel as tagged objects: n-dimensional
// arrays ([NDArray]) as base64 bytes with dtype and shape, compressed with
// lz4 above [CompressionThreshold]; polynomial objectives with tuple-string
// keys; circuits as an lz4 and base64 bundle; Pauli sums as lists of pairs.
// The per-method coders live in a [Registry]; [DefaultRegistry] knows every
// endpoint of this package.
//
// # Errors
//
// Failures are typed: [ConfigurationError], [ApiCallFailedError],
// [ApiCallExecutionError], [ApiTimeoutError],
// [ApiCallResultUnavailableError] and [UnsupportedValueError]. Each matches
// its sentinel with errors.Is; [ErrCallScheduled] matches calls the server
// deferred instead of running. An [ApiTimeoutError] carries the call token
// for a later [RetrieveResult].
package forge
