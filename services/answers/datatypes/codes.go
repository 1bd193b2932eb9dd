// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Failure reason codes attached to fail-closed retrieval contexts and
// logged as machine-readable reason/detail pairs.
//
// Description:
//
//	Data-tier failures (ReasonRemoteFetchFailed) are recovered through the
//	local mirror and never reach the caller. Every other code can appear
//	as the FailureReason of a terminal no-answer context.
const (
	ReasonRateLimited           = "rate_limited"
	ReasonProviderUnavailable   = "provider_unavailable"
	ReasonRemoteFetchFailed     = "remote_fetch_failed"
	ReasonNoFilteredRecords     = "no_filtered_records"
	ReasonNoEmbeddingsHits      = "no_embeddings_hits"
	ReasonEmbeddingLookupFailed = "embedding_lookup_failed"
	ReasonRAGIndexMissing       = "rag_index_missing"
	ReasonMotionNotFound        = "motion_not_found"
	ReasonNoGlossaryMatch       = "no_glossary_match"
	ReasonWebLookupFailed       = "web_lookup_failed"
	ReasonDisallowedDomain      = "disallowed_domain"
)

// NoAnswerContext builds the fail-closed context for a terminal failure.
func NoAnswerContext(reason, detail string) *RetrievalContext {
	return &RetrievalContext{
		NoAnswer:      true,
		FailureReason: reason,
		FailureDetail: detail,
	}
}
