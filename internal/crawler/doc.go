// Package crawler defines the record model, status lifecycle, settings and
// collaborator contracts shared by the crawl pipeline: renderers, the
// persistence gateway, the site crawler, the orchestrator and the translation
// stage all speak in terms of the types declared here.
package crawler
