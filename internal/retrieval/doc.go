// Package retrieval composes the chunking, embedding and vector-store
// components into a single retrieval engine for RAG applications.
//
// # Overview
//
// The Engine type is the facade consumers depend on. Ingestion routes feed
// it raw document text; search routes ask it for the top-k most similar
// chunks.
//
// Ingestion flow:
//
//	raw payload
//	     |
//	     v
//	extract.Extractor.Text (MIME dispatch, HTML to plain text; skipped
//	                        when the caller already holds text)
//	     |
//	     v
//	Chunker.Split (sentence-aware, overlapping, code/math kept intact)
//	     |
//	     v
//	embedding.Service.EmbedChunks (batched provider call, unit vectors)
//	     |
//	     v
//	store.Store.InsertEmbeddings + IndexDocument (PostgreSQL + pgvector)
//
// Query flow:
//
//	query text
//	     |
//	     v
//	embedding.Service.EmbedQuery (token-budget truncation, unit vector)
//	     |
//	     v
//	store.Store.Search (candidate retrieval, scoring, namespace filter,
//	                    top-k selection, cache warming)
//
// # Error behavior
//
// Write-path operations (IngestDocument, IndexDocument, RemoveDocument)
// propagate failures so the ingestion pipeline can retry or mark documents
// failed. The read path degrades: a backing-store outage during Search
// yields an empty result set with structured logging, never an error to
// the caller. Query-embedding failures do propagate, since no meaningful
// search can happen without a query vector.
package retrieval
