package collective

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distml/collective/pkg/keys"
	"github.com/distml/collective/pkg/tensor"
)

// newTaskChannel builds the channel one simulated task would hold: its own
// key allocator (fresh allocators issue identical sequences, like identical
// programs on separate machines) over a shared in-process service.
func newTaskChannel(t *testing.T, svc Service, taskID, numTasks, devicesPerTask int, hints Hints) *Channel {
	t.Helper()
	devices := make([]string, devicesPerTask)
	for i := range devices {
		devices[i] = fmt.Sprintf("/job:worker/task:%d/device:GPU:%d", taskID, i)
	}
	ch, err := NewChannel(devices, devicesPerTask*numTasks, taskID*devicesPerTask,
		keys.NewAllocator(), hints, svc)
	require.NoError(t, err)
	return ch
}

func TestNewChannel_Validation(t *testing.T) {
	svc := NewLocalService()
	ka := keys.NewAllocator()

	_, err := NewChannel(nil, 1, 0, ka, Hints{}, svc)
	assert.Error(t, err)
	_, err = NewChannel([]string{"/device:GPU:0", "/device:GPU:1"}, 1, 0, ka, Hints{}, svc)
	assert.Error(t, err)
	_, err = NewChannel([]string{"/device:GPU:0"}, 2, 2, ka, Hints{}, svc)
	assert.Error(t, err)
	_, err = NewChannel([]string{"/device:GPU:0"}, 1, 0, ka, Hints{Timeout: -time.Second}, svc)
	assert.Error(t, err)
	_, err = NewChannel([]string{"/device:GPU:0"}, 1, 0, ka, Hints{}, nil)
	assert.Error(t, err)
}

func TestChannel_AllReduceAcrossTasks(t *testing.T) {
	svc := NewLocalService()
	chans := []*Channel{
		newTaskChannel(t, svc, 0, 2, 1, Hints{}),
		newTaskChannel(t, svc, 1, 2, 1, Hints{}),
	}
	inputs := [][]float64{{1, 2}, {10, 20}}

	results := make([][]*tensor.Tensor, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for task := range chans {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			results[task], errs[task] = chans[task].AllReduce(Sum,
				[]*tensor.Tensor{tensor.FromFloat64s([]int{2}, inputs[task])})
		}(task)
	}
	wg.Wait()
	for task := range chans {
		require.NoError(t, errs[task])
		require.Len(t, results[task], 1)
		assert.Equal(t, []float64{11, 22}, results[task][0].Float64s())
	}
}

func TestChannel_AllReduceMean(t *testing.T) {
	svc := NewLocalService()
	chans := []*Channel{
		newTaskChannel(t, svc, 0, 2, 1, Hints{}),
		newTaskChannel(t, svc, 1, 2, 1, Hints{}),
	}
	inputs := []float64{3, 5}

	results := make([][]*tensor.Tensor, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for task := range chans {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			results[task], errs[task] = chans[task].AllReduce(Mean,
				[]*tensor.Tensor{tensor.Scalar(inputs[task])})
		}(task)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []float64{4}, results[0][0].Float64s())
	assert.Equal(t, []float64{4}, results[1][0].Float64s())
}

func TestChannel_AllReduceMultiDeviceSingleTask(t *testing.T) {
	// Two local devices, one task: the channel completes on its own.
	svc := NewLocalService()
	ch := newTaskChannel(t, svc, 0, 1, 2, Hints{})

	out, err := ch.AllReduce(Sum, []*tensor.Tensor{
		tensor.FromFloat64s([]int{2}, []float64{1, 2}),
		tensor.FromFloat64s([]int{2}, []float64{3, 4}),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float64{4, 6}, out[0].Float64s())
	assert.Equal(t, []float64{4, 6}, out[1].Float64s())
}

func TestChannel_AllReducePacked(t *testing.T) {
	// 64-byte tensors with 24-byte packs: three packs per device, reduced
	// under distinct instance keys and reassembled.
	hints := Hints{BytesPerPack: 24}
	svc := NewLocalService()
	chans := []*Channel{
		newTaskChannel(t, svc, 0, 2, 1, hints),
		newTaskChannel(t, svc, 1, 2, 1, hints),
	}
	inputs := [][]float64{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{10, 20, 30, 40, 50, 60, 70, 80},
	}

	results := make([]*tensor.Tensor, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for task := range chans {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			out, err := chans[task].AllReduce(Sum,
				[]*tensor.Tensor{tensor.FromFloat64s([]int{2, 4}, inputs[task])})
			errs[task] = err
			if err == nil {
				results[task] = out[0]
			}
		}(task)
	}
	wg.Wait()
	for task := range chans {
		require.NoError(t, errs[task])
		assert.Equal(t, []int{2, 4}, results[task].Shape())
		assert.Equal(t, []float64{11, 22, 33, 44, 55, 66, 77, 88}, results[task].Float64s())
	}
}

func TestChannel_AllReduceOperandCount(t *testing.T) {
	svc := NewLocalService()
	ch := newTaskChannel(t, svc, 0, 1, 2, Hints{})
	_, err := ch.AllReduce(Sum, []*tensor.Tensor{tensor.Scalar(1)})
	assert.Error(t, err)
}

func TestChannel_GroupSizeMismatchAcrossTasks(t *testing.T) {
	// Task A declares a group of 2, task B a group of 3, for the same
	// instance: both fail, neither gets a result.
	svc := NewLocalService()
	chA := newTaskChannel(t, svc, 0, 2, 1, Hints{})
	chB, err := NewChannel([]string{"/job:worker/task:1/device:GPU:0"}, 3, 1,
		keys.NewAllocator(), Hints{}, svc)
	require.NoError(t, err)

	outs := make([][]*tensor.Tensor, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outs[0], errs[0] = chA.AllReduce(Sum, []*tensor.Tensor{tensor.Scalar(1)})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		outs[1], errs[1] = chB.AllReduce(Sum, []*tensor.Tensor{tensor.Scalar(2)})
	}()
	wg.Wait()

	for i := range errs {
		require.Error(t, errs[i])
		var mismatch *GroupSizeMismatchError
		assert.ErrorAs(t, errs[i], &mismatch)
		assert.Nil(t, outs[i])
	}
}

func TestChannel_BroadcastSendRecv(t *testing.T) {
	svc := NewLocalService()
	sender := newTaskChannel(t, svc, 0, 3, 1, Hints{})
	recv1 := newTaskChannel(t, svc, 1, 3, 1, Hints{})
	recv2 := newTaskChannel(t, svc, 2, 3, 1, Hints{})
	sent := tensor.FromFloat64s([]int{2, 2}, []float64{1, 2, 3, 4})

	results := make([]*tensor.Tensor, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		results[0], errs[0] = sender.BroadcastSend(sent)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = recv1.BroadcastRecv(sent.Shape(), sent.DType())
	}()
	go func() {
		defer wg.Done()
		results[2], errs[2] = recv2.BroadcastRecv(sent.Shape(), sent.DType())
	}()
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, sent.Equal(results[i]), "participant %d", i)
	}
}

func TestChannel_BroadcastRoles(t *testing.T) {
	svc := NewLocalService()
	sender := newTaskChannel(t, svc, 0, 2, 1, Hints{})
	receiver := newTaskChannel(t, svc, 1, 2, 1, Hints{})

	_, err := receiver.BroadcastSend(tensor.Scalar(1))
	assert.Error(t, err, "non-chief cannot send")
	_, err = sender.BroadcastRecv([]int{1}, tensor.Float64)
	assert.Error(t, err, "chief cannot receive")
}

func TestChannel_GatherAcrossTasks(t *testing.T) {
	svc := NewLocalService()
	chans := []*Channel{
		newTaskChannel(t, svc, 0, 2, 1, Hints{}),
		newTaskChannel(t, svc, 1, 2, 1, Hints{}),
	}
	inputs := [][]float64{{1, 2}, {3, 4}}

	results := make([]*tensor.Tensor, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for task := range chans {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			results[task], errs[task] = chans[task].Gather(
				[]*tensor.Tensor{tensor.FromFloat64s([]int{1, 2}, inputs[task])}, 0)
		}(task)
	}
	wg.Wait()
	for task := range chans {
		require.NoError(t, errs[task])
		assert.Equal(t, []int{2, 2}, results[task].Shape())
		assert.Equal(t, []float64{1, 2, 3, 4}, results[task].Float64s())
	}
}

func TestChannel_AbortLatches(t *testing.T) {
	svc := NewLocalService()
	ch := newTaskChannel(t, svc, 0, 2, 1, Hints{})

	done := make(chan error, 1)
	go func() {
		_, err := ch.AllReduce(Sum, []*tensor.Tensor{tensor.Scalar(1)})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	ch.Abort("peer is down")
	ch.Abort("peer is down") // idempotent

	select {
	case err := <-done:
		var unavailable *UnavailableError
		require.ErrorAs(t, err, &unavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not wake after abort")
	}

	// Future calls fail without touching the service.
	_, err := ch.Gather([]*tensor.Tensor{tensor.Scalar(1)}, 0)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestChannel_Timeout(t *testing.T) {
	svc := NewLocalService()
	ch := newTaskChannel(t, svc, 0, 2, 1, Hints{Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := ch.AllReduce(Sum, []*tensor.Tensor{tensor.Scalar(1)})
	var deadline *DeadlineExceededError
	require.ErrorAs(t, err, &deadline)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChannel_Barrier(t *testing.T) {
	svc := NewLocalService()
	chans := []*Channel{
		newTaskChannel(t, svc, 0, 2, 1, Hints{}),
		newTaskChannel(t, svc, 1, 2, 1, Hints{}),
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for task := range chans {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			errs[task] = chans[task].Barrier(time.Second)
		}(task)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// A barrier that nobody else joins times out.
	lonely := NewLocalService()
	ch := newTaskChannel(t, lonely, 0, 2, 1, Hints{})
	err := ch.Barrier(100 * time.Millisecond)
	var deadline *DeadlineExceededError
	require.ErrorAs(t, err, &deadline)
}
