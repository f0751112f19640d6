// Package crawler defines the messages that flow between pipeline stages
// (links, fetch results, extracted records), their wire codecs, and the
// collaborator interfaces the stages are built from.
package crawler
