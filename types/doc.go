// Copyright (c) FleetRPC Authors.
// Licensed under the MIT License.

/*
Package types provides the shared error taxonomy for FleetRPC and the
aggregate summary carried by call statistics.

# Overview

types is the lowest package in the module and depends on no internal
package. Every layer (filter, message, discovery, client, rpc, server)
reports failures as *types.Error so callers can branch on ErrorCode
without string matching.

# Error classes

  - Setup errors (CONFIGURATION, INVALID_ARGUMENT, UNKNOWN_DISCOVERY_METHOD,
    UNKNOWN_PLUGIN) are raised before any I/O and are never retried.
  - Validation errors (DDL_VALIDATION, UNSUPPORTED_FILTER_FEATURE,
    UNKNOWN_ACTION) are raised before dispatch.
  - Envelope errors (SECURITY_VALIDATION, MESSAGE_EXPIRED, NOT_TARGETED)
    discard a single message; they never abort a collection round.
  - TRANSPORT_UNAVAILABLE is Retryable and is retried at the correlator.

Helpers: GetErrorCode / IsCode / IsRetryable / AsError all walk the
wrap chain with errors.As.

# Aggregate summaries

AggregateSummary lives here so the correlator's Stats can carry the
results of rpc/aggregate functions without importing the rpc layer.
*/
package types
