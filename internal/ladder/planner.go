package ladder

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

var one = decimal.NewFromInt(1)

type Params struct {
	ReferencePrice decimal.Decimal
	BaseGap        decimal.Decimal
	Ladders        int
	Fibonacci      []int
	UnitSize       decimal.Decimal
	SizeMultiplier decimal.Decimal
}

// Plan строит лестницу уровней от опорной цены. Чистая функция: одинаковые
// входы дают одинаковую лестницу и в бэктесте, и в лайве.
func Plan(p Params) ([]models.LadderLevel, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	multiplier := p.SizeMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(2)
	}

	levels := make([]models.LadderLevel, 0, p.Ladders)
	cumulative := decimal.Zero
	units := decimal.NewFromInt(1)

	for k := 1; k <= p.Ladders; k++ {
		fib := p.Fibonacci[k-1]
		cumulative = cumulative.Add(p.BaseGap.Mul(decimal.NewFromInt(int64(fib))))
		if cumulative.GreaterThanOrEqual(one) {
			return nil, &models.ConfigError{
				Field:  "base_gap",
				Reason: fmt.Sprintf("суммарный отступ уровня %d достиг %s, цена покупки не положительна", -k, cumulative.String()),
			}
		}

		unitCount := units.Round(0).IntPart()
		if unitCount < 1 {
			unitCount = 1
		}
		qty := p.UnitSize.Mul(decimal.NewFromInt(unitCount))

		levels = append(levels, models.LadderLevel{
			Index:         -k,
			Fib:           fib,
			CumulativeGap: cumulative,
			BuyPrice:      p.ReferencePrice.Mul(one.Sub(cumulative)),
			SellPrice:     p.ReferencePrice.Mul(one.Add(cumulative)),
			UnitCount:     unitCount,
			Qty:           qty,
			Status:        models.LevelStatusPending,
		})

		units = units.Mul(multiplier)
	}

	return levels, nil
}

// RequiredCapital — котируемый капитал при срабатывании всех покупок.
func RequiredCapital(levels []models.LadderLevel) decimal.Decimal {
	total := decimal.Zero
	for i := range levels {
		total = total.Add(levels[i].Qty.Mul(levels[i].BuyPrice))
	}
	return total
}

func validate(p Params) error {
	if p.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return &models.ConfigError{Field: "reference_price", Reason: "опорная цена должна быть больше нуля"}
	}
	if p.Ladders < 1 {
		return &models.ConfigError{Field: "ladders", Reason: "число уровней должно быть не меньше одного"}
	}
	if p.BaseGap.LessThanOrEqual(decimal.Zero) || p.BaseGap.GreaterThanOrEqual(one) {
		return &models.ConfigError{Field: "base_gap", Reason: "базовый отступ должен лежать в (0, 1)"}
	}
	if len(p.Fibonacci) < p.Ladders {
		return &models.ConfigError{
			Field:  "fibonacci",
			Reason: fmt.Sprintf("весов %d меньше, чем уровней %d", len(p.Fibonacci), p.Ladders),
		}
	}
	for i, fib := range p.Fibonacci[:p.Ladders] {
		if fib < 1 {
			return &models.ConfigError{Field: "fibonacci", Reason: fmt.Sprintf("вес %d на позиции %d меньше единицы", fib, i)}
		}
	}
	if p.UnitSize.LessThanOrEqual(decimal.Zero) {
		return &models.ConfigError{Field: "unit_size_base", Reason: "размер юнита должен быть больше нуля"}
	}
	if p.SizeMultiplier.Sign() < 0 {
		return &models.ConfigError{Field: "safety_multiplier", Reason: "множитель объёма не может быть отрицательным"}
	}
	return nil
}
