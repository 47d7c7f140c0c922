// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides an in-process Forge service for testing
// clients. [Service] implements the HTTP surface of the real service:
// endpoint submission, long-polled /api_calls, call status, cancel and
// params retrieval, result and params blobs, and /about/about. It decodes
// arguments and encodes results with the same [forge.Registry] the client
// uses, so every wire coder is exercised on both sides.
//
// [RegisterMethods] installs reference handlers for the catalogued
// endpoints, backed by a small statevector simulator ([Simulate]) and
// exhaustive search for the optimization methods. Options control
// completion delay, result_url thresholds, backend availability, API key
// checks and injected 5xx failures.
package conformance
