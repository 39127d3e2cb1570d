// Package engine binds the image-edit diffusion engine.
//
// Exactly one binding is compiled into a binary, chosen by build tag:
//
//   - Stub (default): go build
//     Validates artifacts and parameters; Generate returns ErrBackendUnavailable.
//     Used for CI, provisioning hosts and tests of the request path.
//
//   - stable-diffusion.cpp: CGO_ENABLED=1 go build -tags sd
//     Requires libstable-diffusion and stable-diffusion.h:
//
//	CGO_CFLAGS="-I${SD_CPP_PATH}" \
//	CGO_LDFLAGS="-L${SD_CPP_PATH}/build -lstable-diffusion -Wl,-rpath,${SD_CPP_PATH}/build" \
//	go build -tags sd
//
// The source image is passed to the engine as a Kontext reference image and
// the guidance scale drives distilled guidance.
//
// # Cancellation
//
// Bindings check ctx before starting native work. A native generation call
// that has started runs to completion; cancellation is observed afterwards.
//
// # Thread Safety
//
// An Engine is not safe for concurrent Generate calls. Callers serialize
// access (see package lifecycle).
package engine
