// Package artifacts opens, downloads and caches artifact packages.
//
// An artifact is a directory or a zip archive holding an install workflow
// manifest and the files its steps reference:
//
//	redis-installer-7.2.0.zip
//	├── install-workflow.yml
//	├── docker-compose.yml
//	└── scripts/setup.sh
//
// Fetcher implements engine.ArtifactStore and Cache implements
// engine.ArtifactCache. The cache copies every artifact an operation
// fetches and keeps it until the operation commits, so that rollback can
// reinstall a prior version even after the registry stopped serving it.
package artifacts
