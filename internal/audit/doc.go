// Package audit holds the client-side data model for a smart-contract audit:
// the session phase machine vocabulary, static findings and their severity
// normalization, verified logic issues, red-team manuals, the immutable
// result bundle, and the typed error taxonomy shared by the pipeline client,
// the session controller and the results aggregator.
package audit
