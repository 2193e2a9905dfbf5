package beit

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// ParamLinearScheduleSteps is the total number of train steps of the linear schedule. The
// warm-up steps are shared with the cosine schedule (cosineschedule.ParamWarmUpSteps).
const ParamLinearScheduleSteps = "linear_schedule_steps"

const linearScheduleScope = "linear_schedule"

// linearSchedule ramps the learning rate from 0 during the warm-up steps and then decays it
// linearly to 0 at the last step. It returns the updated learning rate, or nil when not training.
func linearSchedule(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	ctx = ctx.Checked(false)
	totalSteps := context.GetParamOr(ctx, ParamLinearScheduleSteps, 0)
	if !ctx.IsTraining(g) || totalSteps <= 0 {
		return nil
	}
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	warmUpSteps := context.GetParamOr(ctx, cosineschedule.ParamWarmUpSteps, 0)

	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(linearScheduleScope), g, dtype)
	step = MinusOne(step)
	decay := DivScalar(Sub(Scalar(g, dtype, float64(totalSteps)), step), float64(max(totalSteps-warmUpSteps, 1)))
	factor := decay
	if warmUpSteps > 0 {
		factor = Min(DivScalar(step, float64(warmUpSteps)), decay)
	}
	factor = ClipScalar(factor, 0, 1)

	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, lrValue)
	lr := MulScalar(factor, lrValue)
	lrVar.SetValueGraph(lr)
	return lr
}
