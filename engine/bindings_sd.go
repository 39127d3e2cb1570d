//go:build sd && cgo

package engine

/*
#cgo LDFLAGS: -lstable-diffusion -lstdc++ -lm

#include <stdlib.h>
#include <stdint.h>
#include <stdbool.h>
#include "stable-diffusion.h"

static sd_image_t* kw_image_at(sd_image_t* images, int i) {
	return &images[i];
}
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"unsafe"

	"kontextworker/imaging"
)

const sdBackend = "stable-diffusion.cpp"

const linkedBackend = sdBackend

type sdEngine struct {
	mu   sync.Mutex
	ctx  *C.sd_ctx_t
	opts LoadOptions
}

func loadImpl(opts LoadOptions) (Engine, error) {
	var params C.sd_ctx_params_t
	C.sd_ctx_params_init(&params)

	var cstrs []*C.char
	cstr := func(s string) *C.char {
		if s == "" {
			return nil
		}
		c := C.CString(s)
		cstrs = append(cstrs, c)
		return c
	}
	defer func() {
		for _, c := range cstrs {
			C.free(unsafe.Pointer(c))
		}
	}()

	a := opts.Artifacts
	params.diffusion_model_path = cstr(a.WeightPath)
	params.vae_path = cstr(a.VAEPath)
	params.clip_l_path = cstr(a.ClipLPath)
	params.t5xxl_path = cstr(a.T5XXLPath)
	params.vae_decode_only = C.bool(false)
	params.free_params_immediately = C.bool(false)
	params.wtype = weightType(opts.Precision, opts.Quantization)

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	params.n_threads = C.int(threads)

	switch opts.Offload {
	case OffloadModel:
		params.offload_params_to_cpu = C.bool(true)
	case OffloadSequential:
		params.offload_params_to_cpu = C.bool(true)
		params.keep_clip_on_cpu = C.bool(true)
		params.keep_vae_on_cpu = C.bool(true)
	}

	ctx := C.new_sd_ctx(&params)
	if ctx == nil {
		return nil, fmt.Errorf("%w: new_sd_ctx returned null for %s", ErrLoadFailed, a.WeightPath)
	}
	return &sdEngine{ctx: ctx, opts: opts}, nil
}

// weightType maps precision to sd_type_t. GGUF files keep their own types.
func weightType(precision, quantization string) C.enum_sd_type_t {
	if strings.EqualFold(quantization, "gguf") {
		return C.SD_TYPE_COUNT
	}
	switch strings.ToLower(precision) {
	case "fp16", "f16":
		return C.SD_TYPE_F16
	case "fp32", "f32":
		return C.SD_TYPE_F32
	default:
		return C.SD_TYPE_BF16
	}
}

func (e *sdEngine) Generate(ctx context.Context, p Params) (*imaging.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateParams(p); err != nil {
		return nil, err
	}

	cPrompt := C.CString(p.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegative := C.CString(p.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegative))

	refData := C.CBytes(p.Source.Pix)
	defer C.free(refData)
	ref := (*C.sd_image_t)(C.malloc(C.size_t(unsafe.Sizeof(C.sd_image_t{}))))
	defer C.free(unsafe.Pointer(ref))
	ref.width = C.uint32_t(p.Source.Width)
	ref.height = C.uint32_t(p.Source.Height)
	ref.channel = 3
	ref.data = (*C.uint8_t)(refData)

	var gen C.sd_img_gen_params_t
	C.sd_img_gen_params_init(&gen)
	gen.prompt = cPrompt
	gen.negative_prompt = cNegative
	gen.ref_images = ref
	gen.ref_images_count = 1
	gen.width = C.int(p.Width)
	gen.height = C.int(p.Height)
	gen.seed = C.int64_t(ResolveSeed(p.Seed))
	gen.batch_count = 1
	gen.sample_params.sample_steps = C.int(p.Steps)
	gen.sample_params.guidance.txt_cfg = 1.0
	gen.sample_params.guidance.distilled_guidance = C.float(p.GuidanceScale)

	out := C.generate_image(e.ctx, &gen)
	if out == nil {
		return nil, fmt.Errorf("%w: generate_image returned null", ErrGenerationFailed)
	}
	defer C.free(unsafe.Pointer(out))

	img := C.kw_image_at(out, 0)
	if img.data == nil {
		return nil, fmt.Errorf("%w: empty output image", ErrGenerationFailed)
	}
	defer C.free(unsafe.Pointer(img.data))

	w, h, ch := int(img.width), int(img.height), int(img.channel)
	raw := C.GoBytes(unsafe.Pointer(img.data), C.int(w*h*ch))
	buf, err := toRGB(raw, w, h, ch)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

func toRGB(raw []byte, w, h, ch int) (*imaging.Buffer, error) {
	buf, err := imaging.NewBuffer(w, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	switch ch {
	case 3:
		copy(buf.Pix, raw)
	case 4:
		for p, q := 0, 0; q < len(raw); p, q = p+3, q+4 {
			copy(buf.Pix[p:p+3], raw[q:q+3])
		}
	default:
		return nil, fmt.Errorf("%w: unexpected channel count %d", ErrGenerationFailed, ch)
	}
	return buf, nil
}

// ReleaseTransient returns freed Go heap pages to the OS. sd.cpp allocates
// its ggml compute buffers per generate call and frees them itself, and the
// C API offers no hook to trim device memory, so nothing native is released.
func (e *sdEngine) ReleaseTransient() {
	debug.FreeOSMemory()
}

func (e *sdEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		C.free_sd_ctx(e.ctx)
		e.ctx = nil
	}
	return nil
}

func (e *sdEngine) Backend() string {
	return sdBackend
}
