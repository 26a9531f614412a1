// Package module resolves, compiles, and loads Calyx modules. A Resolver
// searches ordered provider roots for calyx.toml manifests; the Loader
// memoizes loads by source content hash, detects dependency cycles, runs
// each module body exactly once on a fresh engine, and serves built-in
// libraries through the same resolve/load surface. An optional SQLite
// ArtifactStore caches compiled programs across processes.
package module
