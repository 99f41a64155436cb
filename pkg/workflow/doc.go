// Package workflow runs the declarative deployment workflows packaged
// with middleware artifacts.
//
// A workflow manifest is a YAML document found in the artifact under the
// first of ManifestCandidates that exists:
//
//	name: cache-svc
//	version: 2.0.0
//	steps:
//	  - id: deploy
//	    type: compose-deploy
//	    config:
//	      file: docker-compose.yml
//	  - id: verify
//	    type: health-check
//	    on-error: CONTINUE
//	    config:
//	      url: http://localhost:6380/health
//	uninstall:
//	  steps:
//	    - id: remove
//	      type: compose-deploy
//
// Steps run strictly in declaration order through the executors held by a
// Registry. The Registry is built once at startup and handed to the Engine;
// there is no package-level registration.
//
// # Failure Handling
//
// A failed step is handled according to its on-error policy:
//
//   - STOP (default): executed steps are rolled back in reverse order and
//     the run fails
//   - ROLLBACK: same as STOP, reported as rolled back
//   - CONTINUE: the failure is recorded and the next step runs
//
// Only executors implementing RollbackExecutor take part in rollback.
// A step type without a registered executor behaves like a STOP failure.
//
// Uninstall runs are best effort: failures are logged and the next step
// runs anyway, and compose-deploy steps always tear down.
package workflow
