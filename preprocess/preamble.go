package preprocess

import "strings"

// PreambleModule is the module name the preamble is materialized under.
// Python imports it automatically at startup when its directory is on
// PYTHONPATH, so the program's own line numbers are unchanged.
const PreambleModule = "sitecustomize"

// Program is a prepared run: instrumentation that executes first, followed
// by the unmodified program text.
type Program struct {
	Preamble string
	Code     string
}

// Instrumented reports whether any preamble was added
func (p Program) Instrumented() bool {
	return p.Preamble != ""
}

// Options selects which preambles may be applied
type Options struct {
	// GPUDiagnostics enables the device report. It is only meaningful in a
	// GPU environment.
	GPUDiagnostics bool
}

// Prepare builds the preamble for the detected capabilities. The code itself
// is never rewritten.
func Prepare(code string, caps Capabilities, opts Options) Program {
	var parts []string
	if opts.GPUDiagnostics && caps.GPU() {
		parts = append(parts, gpuPreamble(caps))
	}
	if caps.Plotting {
		parts = append(parts, plotPreamble)
	}
	if caps.Graphics {
		parts = append(parts, graphicsPreamble)
	}
	return Program{Preamble: strings.Join(parts, "\n"), Code: code}
}

const plotPreamble = `# plot capture
import atexit as _psb_atexit
import base64 as _psb_base64
import os as _psb_os

import matplotlib as _psb_matplotlib
_psb_matplotlib.use("Agg")
import matplotlib.pyplot as _psb_plt

_psb_plot_counter = [0]


def _psb_emit_figure(fig):
    path = _psb_os.path.join(_psb_os.getcwd(), "plot_%d.png" % _psb_plot_counter[0])
    _psb_plot_counter[0] += 1
    try:
        fig.savefig(path, dpi=100, bbox_inches="tight")
        with open(path, "rb") as f:
            data = _psb_base64.b64encode(f.read()).decode("ascii")
        print("[PLOT_B64:%s]" % data, flush=True)
    except Exception as e:
        print("[PLOT_ERROR:%s]" % str(e).replace("]", ")"), flush=True)
    finally:
        try:
            _psb_os.remove(path)
        except OSError:
            pass


def _psb_show(*args, **kwargs):
    if _psb_plt.get_fignums():
        fig = _psb_plt.gcf()
        _psb_emit_figure(fig)
        _psb_plt.close(fig)


def _psb_flush_figures():
    for num in list(_psb_plt.get_fignums()):
        fig = _psb_plt.figure(num)
        _psb_emit_figure(fig)
        _psb_plt.close(fig)


_psb_plt.show = _psb_show
_psb_atexit.register(_psb_flush_figures)
`

const graphicsPreamble = `# headless graphics capture
import base64 as _psb_gbase64
import os as _psb_gos
import sys as _psb_gsys
import time as _psb_time

_psb_gos.environ.setdefault("PYGAME_HIDE_SUPPORT_PROMPT", "1")
import pygame as _psb_pygame

_psb_headless = _psb_gos.environ.get("SDL_VIDEODRIVER") == "dummy"
_psb_frame_checkpoints = (1, 30, 60, 90, 120)
_psb_max_frames = 120
_psb_max_seconds = 8
_psb_frames_dir = _psb_gos.path.join(_psb_gos.getcwd(), "frames")
_psb_frame_count = [0]
_psb_started = _psb_time.time()
_psb_original_flip = _psb_pygame.display.flip
_psb_original_update = _psb_pygame.display.update


def _psb_capture_frame():
    _psb_frame_count[0] += 1
    frame = _psb_frame_count[0]
    if frame in _psb_frame_checkpoints:
        try:
            screen = _psb_pygame.display.get_surface()
            if screen is not None:
                _psb_gos.makedirs(_psb_frames_dir, exist_ok=True)
                path = _psb_gos.path.join(_psb_frames_dir, "frame_%04d.png" % frame)
                _psb_pygame.image.save(screen, path)
                with open(path, "rb") as f:
                    data = _psb_gbase64.b64encode(f.read()).decode("ascii")
                print("[PYGAME_FRAME:%d]data:image/png;base64,%s[/PYGAME_FRAME]" % (frame, data), flush=True)
        except Exception:
            pass
    if frame >= _psb_max_frames or _psb_time.time() - _psb_started >= _psb_max_seconds:
        try:
            _psb_pygame.quit()
        finally:
            _psb_gsys.stdout.flush()
            _psb_gsys.stderr.flush()
            _psb_gos._exit(0)


def _psb_flip():
    result = _psb_original_flip()
    if _psb_headless:
        _psb_capture_frame()
    return result


def _psb_update(*args, **kwargs):
    result = _psb_original_update(*args, **kwargs)
    if _psb_headless:
        _psb_capture_frame()
    return result


_psb_pygame.display.flip = _psb_flip
_psb_pygame.display.update = _psb_update
`

func gpuPreamble(caps Capabilities) string {
	var b strings.Builder
	b.WriteString(`# gpu diagnostics
import sys as _psb_dsys


def _psb_gpu_report():
`)
	if caps.Uses(Torch) {
		b.WriteString(`    try:
        import torch
        if torch.cuda.is_available():
            props = torch.cuda.get_device_properties(0)
            print("[GPU_INFO: Using %s]" % torch.cuda.get_device_name(0), file=_psb_dsys.stderr)
            print("[GPU_MEMORY: %.2f GB]" % (props.total_memory / 1024 ** 3), file=_psb_dsys.stderr)
        else:
            print("[GPU_WARNING: CUDA not available, using CPU]", file=_psb_dsys.stderr)
    except Exception:
        pass
`)
	}
	if caps.Uses(TensorFlow) {
		b.WriteString(`    try:
        import tensorflow as tf
        gpus = tf.config.list_physical_devices("GPU")
        if gpus:
            print("[GPU_INFO: TensorFlow using %d GPU(s)]" % len(gpus), file=_psb_dsys.stderr)
        else:
            print("[GPU_WARNING: TensorFlow using CPU]", file=_psb_dsys.stderr)
    except Exception:
        pass
`)
	}
	if caps.Uses(CuPy) {
		b.WriteString(`    try:
        import cupy
        print("[GPU_INFO: CuPy sees %d device(s)]" % cupy.cuda.runtime.getDeviceCount(), file=_psb_dsys.stderr)
    except Exception:
        pass
`)
	}
	b.WriteString(`    return None


_psb_gpu_report()
`)
	return b.String()
}
