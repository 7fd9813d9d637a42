//go:build linux

// Package convert implements the ColorConverter component (spec §4.2):
// converting a capture-native BGRA texture to the encoder-accepted 4:2:0
// planar format with libswscale, which runs on the CPU; the result stays
// in converter-owned planes that the caller reads through a pointer.
//
// Grounded on the BGRA->NV12/YUV420P sws_getContext/sws_scale path shared
// by the teacher's encode.go and internal/encode/ffmpeg_linux.go, pulled
// out into its own component per the spec, and on e1z0-QAnotherRTSP's
// src/video.go bgraScaler. The scale context is built once, for the
// width x height given to NewColorConverter; Convert does not check the
// input texture's dimensions and never rebuilds the context.
package convert

/*
#cgo pkg-config: libavutil libswscale
#include <libavutil/frame.h>
#include <libavutil/imgutils.h>
#include <libswscale/swscale.h>
#include <stdlib.h>

typedef struct {
	struct SwsContext *sws;
	uint8_t *planes[4];
	int linesize[4];
	int width;
	int height;
	int dstFmt; // AVPixelFormat
} Converter;

static Converter* converter_init(int width, int height, int dst_fmt) {
	Converter *c = (Converter*)calloc(1, sizeof(Converter));
	if (!c) return NULL;
	c->width = width;
	c->height = height;
	c->dstFmt = dst_fmt;

	c->sws = sws_getContext(
		width, height, AV_PIX_FMT_BGRA,
		width, height, (enum AVPixelFormat)dst_fmt,
		SWS_FAST_BILINEAR, NULL, NULL, NULL);
	if (!c->sws) { free(c); return NULL; }

	if (av_image_alloc(c->planes, c->linesize, width, height, (enum AVPixelFormat)dst_fmt, 32) < 0) {
		sws_freeContext(c->sws);
		free(c);
		return NULL;
	}
	return c;
}

static int converter_convert(Converter *c, const uint8_t *bgra, int stride) {
	const uint8_t *src_data[1] = { bgra };
	int src_linesize[1] = { stride };
	int ret = sws_scale(c->sws, src_data, src_linesize, 0, c->height, c->planes, c->linesize);
	return ret > 0 ? 0 : -1;
}

static void converter_destroy(Converter *c) {
	if (!c) return;
	if (c->sws) sws_freeContext(c->sws);
	av_freep(&c->planes[0]);
	free(c);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/replaycore/instantreplay/internal/types"
)

// pixFmtNV12 is the numeric value of AV_PIX_FMT_NV12 in FFmpeg's pixfmt.h.
// It is passed to C as a plain int and cast back to enum AVPixelFormat
// there, so it must match the value in the headers being built against.
const pixFmtNV12 = 23 // AV_PIX_FMT_NV12

// SwsColorConverter converts BGRA textures to NV12 using libswscale.
type SwsColorConverter struct {
	c             *C.Converter
	width, height int
	out           types.Texture
}

// NewColorConverter allocates a converter targeting width x height NV12
// output. Fails with ErrDeviceInit-shaped error if swscale setup fails.
func NewColorConverter(width, height int) (*SwsColorConverter, error) {
	c := C.converter_init(C.int(width), C.int(height), C.int(pixFmtNV12))
	if c == nil {
		return nil, fmt.Errorf("convert: %w: swscale context init failed", types.ErrDeviceInit)
	}
	return &SwsColorConverter{c: c, width: width, height: height}, nil
}

// Convert converts in (BGRA) to NV12. The returned texture is owned by the
// converter and reused on the next call — callers must finish using it
// before calling Convert again.
func (cv *SwsColorConverter) Convert(in *types.Texture) (*types.Texture, error) {
	var srcPtr unsafe.Pointer
	if in.Ptr != nil {
		srcPtr = in.Ptr
	} else if len(in.Data) > 0 {
		srcPtr = unsafe.Pointer(&in.Data[0])
	} else {
		return nil, fmt.Errorf("convert: empty input texture")
	}

	if C.converter_convert(cv.c, (*C.uint8_t)(srcPtr), C.int(in.Stride)) != 0 {
		return nil, fmt.Errorf("convert: %w: swscale reported an error", types.ErrGpuOperation)
	}

	cv.out = types.Texture{
		Ptr:    unsafe.Pointer(cv.c.planes[0]),
		Width:  cv.width,
		Height: cv.height,
		Stride: int(cv.c.linesize[0]),
		Format: types.PixFmtNV12,
	}
	return &cv.out, nil
}

// Close releases the swscale context and backing planes.
func (cv *SwsColorConverter) Close() {
	C.converter_destroy(cv.c)
}
