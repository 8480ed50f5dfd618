package kmain

import (
	"marmotos/device/kbd"
	"marmotos/kernel"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/task"
)

// runDemoTasksFn is mocked by tests; the executor run loop cannot execute
// in a hosted process because it masks interrupts and halts the CPU.
var runDemoTasksFn = runDemoTasks

// bannerTask prints the boot greeting on its first poll and completes, so
// the greeting appears exactly once.
type bannerTask struct{}

func (bannerTask) Poll(_ *task.Waker) task.Status {
	kfmt.Printf("\nwelcome to marmotos; keyboard input echoes below\n")
	return task.StatusDone
}

// echoTask drains the keyboard scancode stream and echoes the decoded
// characters. It never completes; when the stream runs dry it parks itself
// behind the stream waker until the next keyboard interrupt.
type echoTask struct {
	stream kbd.ScancodeStream
	dec    kbd.Decoder
}

func (t *echoTask) Poll(w *task.Waker) task.Status {
	for {
		sc, ok := t.stream.Next(w)
		if !ok {
			return task.StatusReady
		}

		if ch, ok := t.dec.Decode(sc); ok {
			kfmt.Printf("%c", ch)
		}
	}
}

// runDemoTasks spawns the boot banner task and the keyboard echo task and
// hands the core to the executor. The banner task is spawned first so its
// output completes before the executor first goes idle.
func runDemoTasks() *kernel.Error {
	exec := task.NewExecutor()

	if _, err := exec.Spawn(bannerTask{}); err != nil {
		return err
	}

	if _, err := exec.Spawn(&echoTask{}); err != nil {
		return err
	}

	return exec.Run()
}
