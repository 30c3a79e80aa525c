// Package mcp exposes the job manager as MCP tools over stdio.
//
// The server registers job_submit, job_status, job_result and job_cancel.
// Artifact contents returned by job_result pass through the configured
// redactor before they reach the client.
package mcp
