// Package steps provides the built-in workflow step executors:
// compose-deploy, shell-script, wait and health-check.
//
// Executors run their commands through the execution environment of the
// install context, so the same workflow deploys to the local host, an SSH
// host or a remote container engine. Files the steps need are extracted
// from the artifact into the install work directory and, for SSH targets,
// uploaded to a temporary remote path first.
package steps
